package emulators

// ImageContainer describes a container image started for a test.
type ImageContainer struct {
	EmulatorImage    string
	EmulatorHTTPPort string
	EmulatorGRPCPort string
}

// GCImageContainer is an ImageContainer for a Google Cloud emulator.
type GCImageContainer struct {
	ImageContainer
	ProjectID       string
	SetEnvVariables bool
}

// EmulatorConnection is the address a started emulator can be reached on.
type EmulatorConnection struct {
	EmulatorAddress string
}
