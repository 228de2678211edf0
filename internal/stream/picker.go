package stream

import "buffercore/internal/manifest"

// MaxBitratePicker is the default RepresentationPicker: it takes the
// first adaptation of the track and its highest-bitrate Representation.
// A real ABR engine replaces it.
type MaxBitratePicker struct{}

// Pick implements RepresentationPicker.
func (MaxBitratePicker) Pick(period *manifest.Period, adaptations []*manifest.Adaptation) (*manifest.Adaptation, *manifest.Representation) {
	if len(adaptations) == 0 {
		return nil, nil
	}
	adaptation := adaptations[0]
	var best *manifest.Representation
	for _, rep := range adaptation.Representations {
		if deciph, known := rep.Decipherable(); known && !deciph {
			continue
		}
		if best == nil || rep.Bitrate > best.Bitrate {
			best = rep
		}
	}
	if best == nil {
		return nil, nil
	}
	return adaptation, best
}
