package supervisor

// Version is the current version of the supervisor library
const Version = "1.0.0"

// VersionInfo contains detailed version information
type VersionInfo struct {
	// Version is the semantic version
	Version string
	// Backends lists the supported service backends
	Backends []string
}

// GetVersion returns the current version information
func GetVersion() VersionInfo {
	return VersionInfo{
		Version:  Version,
		Backends: []string{backendExecStr, backendSystemdStr, backendSupervisordStr},
	}
}
