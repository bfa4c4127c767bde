// SPDX-License-Identifier: MIT

package pipeline

import (
	"encoding/binary"

	"github.com/guardian-av/guardian/internal/detect"
)

// frameFromRaw adapts a raw decoder payload to detect.Frame. Guardian's
// scope stops at the supervisory layer (spec §1 excludes video
// decode/demux); the raw bytes are treated as an already-grayscale
// one-row buffer so the adaptive motion/light pipeline still runs end
// to end against whatever a real decoder integration hands it.
func frameFromRaw(raw []byte) (f detect.Frame, ok bool) {
	if len(raw) == 0 {
		return detect.Frame{}, false
	}
	return detect.Frame{Width: len(raw), Height: 1, Pix: raw}, true
}

func averageLuminance(f detect.Frame) float64 {
	if len(f.Pix) == 0 {
		return 0
	}
	var sum int
	for _, p := range f.Pix {
		sum += int(p)
	}
	return float64(sum) / float64(len(f.Pix))
}

// pcmBytesToInt16 decodes a little-endian 16-bit PCM byte buffer.
func pcmBytesToInt16(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return out
}
