package audio

// Smoothstep returns the smoothstep interpolation for t in [0,1].
// Formula: 3t^2 - 2t^3.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// MixFrames sums frames sample by sample, clipping to the int16 range.
// Nil frames are skipped; the result is as long as the longest input.
func MixFrames(frames ...[]int16) []int16 {
	n := 0
	for _, f := range frames {
		n = max(n, len(f))
	}
	sum := make([]int32, n)
	for _, f := range frames {
		for i, s := range f {
			sum[i] += int32(s)
		}
	}
	result := make([]int16, n)
	for i, v := range sum {
		result[i] = clip(float64(v))
	}
	return result
}

// Fade applies a gain ramp from one level to another across the frame,
// shaped by smoothstep. Stereo pairs share a gain so the image does not
// shift while fading.
func Fade(frame []int16, from, to float64) []int16 {
	result := make([]int16, len(frame))
	pairs := len(frame) / Channels
	if pairs == 0 {
		pairs = 1
	}
	for i, s := range frame {
		progress := float64(i/Channels) / float64(pairs)
		gain := from + (to-from)*Smoothstep(progress)
		result[i] = clip(float64(s) * gain)
	}
	return result
}

func clip(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
