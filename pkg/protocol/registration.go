package protocol

// Registration is published on deskbridge.registry when an agent starts.
type Registration struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Commands     []string `json:"commands"`
}
