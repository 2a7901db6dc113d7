package codec

// Range is an inclusive integer range.
type Range struct {
	Min int
	Max int
}

// Clamp returns v limited to [r.Min, r.Max].
func (r Range) Clamp(v int) int {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

// Capabilities are the constraints an encoder imposes on its input.
type Capabilities struct {
	Widths          Range
	Heights         Range
	WidthAlignment  int
	HeightAlignment int
	Profiles        []Profile
}

// SupportsProfile reports whether p is advertised.
func (c Capabilities) SupportsProfile(p Profile) bool {
	for _, have := range c.Profiles {
		if have == p {
			return true
		}
	}
	return false
}

// Descriptor identifies one codec implementation.
type Descriptor struct {
	Name     string
	MIME     string
	Encoder  bool
	Hardware bool
	Caps     Capabilities
}

// Registry enumerates codec implementations and instantiates them.
type Registry interface {
	// Encoders returns implementations able to produce mime, best first.
	Encoders(mime string) []Descriptor
	// Decoders returns implementations able to consume mime, best first.
	Decoders(mime string) []Descriptor
	// New instantiates the codec described by d.
	New(d Descriptor) (Codec, error)
}
