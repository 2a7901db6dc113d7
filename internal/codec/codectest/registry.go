package codectest

import (
	"fmt"
	"sync"

	"github.com/babelcloud/shrink/internal/codec"
)

// DefaultCaps accepts 16..4096 pixels in steps of two and every non
// constrained profile.
func DefaultCaps() codec.Capabilities {
	return codec.Capabilities{
		Widths:          codec.Range{Min: 16, Max: 4096},
		Heights:         codec.Range{Min: 16, Max: 4096},
		WidthAlignment:  2,
		HeightAlignment: 2,
		Profiles:        []codec.Profile{codec.ProfileBaseline, codec.ProfileMain, codec.ProfileHigh},
	}
}

type entry struct {
	desc   codec.Descriptor
	faults Faults
}

// Registry is a codec.Registry over fake codecs. It records every instance
// it creates.
type Registry struct {
	mu       sync.Mutex
	entries  []entry
	instance []*Codec
}

// NewRegistry returns a registry with one AVC decoder and no encoders.
func NewRegistry() *Registry {
	r := &Registry{}
	r.AddDecoder("fake.avc.decoder", Faults{})
	return r
}

// AddEncoder registers an AVC encoder. Encoders are ranked in the order
// they are added.
func (r *Registry) AddEncoder(name string, caps codec.Capabilities, f Faults) codec.Descriptor {
	d := codec.Descriptor{Name: name, MIME: codec.MimeAVC, Encoder: true, Hardware: true, Caps: caps}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{desc: d, faults: f})
	return d
}

// AddDecoder registers an AVC decoder.
func (r *Registry) AddDecoder(name string, f Faults) codec.Descriptor {
	d := codec.Descriptor{Name: name, MIME: codec.MimeAVC, Caps: DefaultCaps()}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{desc: d, faults: f})
	return d
}

// SetDecoderFaults replaces the faults of every registered decoder.
func (r *Registry) SetDecoderFaults(f Faults) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if !r.entries[i].desc.Encoder {
			r.entries[i].faults = f
		}
	}
}

func (r *Registry) list(mime string, encoder bool) []codec.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []codec.Descriptor
	for _, e := range r.entries {
		if e.desc.MIME == mime && e.desc.Encoder == encoder {
			out = append(out, e.desc)
		}
	}
	return out
}

func (r *Registry) Encoders(mime string) []codec.Descriptor { return r.list(mime, true) }

func (r *Registry) Decoders(mime string) []codec.Descriptor { return r.list(mime, false) }

func (r *Registry) New(d codec.Descriptor) (codec.Codec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.desc.Name == d.Name && e.desc.Encoder == d.Encoder {
			c := newCodec(e.desc, e.faults)
			r.instance = append(r.instance, c)
			return c, nil
		}
	}
	return nil, fmt.Errorf("codectest: unknown codec %q", d.Name)
}

// Instances returns every codec created so far, oldest first.
func (r *Registry) Instances() []*Codec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Codec(nil), r.instance...)
}
