package build

// DeploymentType selects which logging and testing hooks are compiled in.
type DeploymentType byte

const (
	// Development builds log to stdout before the daemon's backend is
	// set up, so that unit tests show their output.
	Development DeploymentType = iota

	// Production builds always derive sub-loggers from the daemon's
	// backend.
	Production
)

// String returns the name of the deployment type.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}
