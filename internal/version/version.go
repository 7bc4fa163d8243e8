package version

// Version is overridden at build time with -ldflags "-X EnigmaNetz/Enigma-Cell-Sensor/internal/version.Version=...".
var Version = "dev"
