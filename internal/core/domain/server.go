package domain

// ServerHandle identifies the live resources of a running suite. It is
// created by up, threaded explicitly into down, and never persisted.
type ServerHandle struct {
	Network        string
	SetupContainer string
	RunContainer   string
	Image          string
	HostPort       int
	BaseURL        string
}

// HandleFor derives the server handle for a suite configuration. Down uses
// it even when up never ran in this process, since resource names are
// deterministic.
func HandleFor(cfg *Config) *ServerHandle {
	return &ServerHandle{
		Network:        cfg.Network(),
		SetupContainer: cfg.SetupContainerName(),
		RunContainer:   cfg.RunContainerName(),
		Image:          cfg.Tag(),
		HostPort:       cfg.Homeserver.HostPort,
		BaseURL:        cfg.BaseURL(),
	}
}
