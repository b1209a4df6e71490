package version

// Set at build time through -ldflags.
var (
	buildVersion = "dev"
	builtAt      = "unknown"
)

// Info describes the running build.
type Info struct {
	BuildVersion string `json:"buildVersion"`
	BuiltAt      string `json:"builtAt"`
}

func Get() Info {
	return Info{
		BuildVersion: buildVersion,
		BuiltAt:      builtAt,
	}
}
