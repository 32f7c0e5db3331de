package shm

// Descriptor identifies a segment across the process boundary. The core
// daemon creates the segment, sends the descriptor over the control channel,
// and the plugin host attaches by path.
type Descriptor struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Capacity int    `json:"capacity"`
}

// Valid reports whether the descriptor carries enough to attach a segment.
func (d Descriptor) Valid() bool {
	return d.Path != "" && d.Capacity >= MinCapacity
}
