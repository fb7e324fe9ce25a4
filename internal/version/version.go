package version

// Version is stamped into the X-App-Version header and the OTel resource.
var Version = "0.4.0"
