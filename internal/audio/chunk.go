package audio

// Direction tags which half of the pipeline a chunk belongs to.
type Direction int

const (
	DirectionCapture Direction = iota
	DirectionPlayback
)

func (d Direction) String() string {
	if d == DirectionCapture {
		return "capture"
	}
	return "playback"
}

// Chunk is a fixed-size buffer of PCM16LE mono samples. Seq is assigned by
// the producer in strictly increasing order. A chunk has exactly one owner
// at a time; it is handed off through channels and never shared.
type Chunk struct {
	Seq       uint64
	Direction Direction
	PCM       []byte
}

// Samples decodes the little-endian PCM payload into int16 samples.
func (c Chunk) Samples() []int16 {
	out := make([]int16, len(c.PCM)/2)
	for i := range out {
		out[i] = int16(c.PCM[i*2]) | int16(c.PCM[i*2+1])<<8
	}
	return out
}

// PCMFromSamples encodes int16 samples as little-endian PCM bytes.
func PCMFromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
