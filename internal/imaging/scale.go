package imaging

import "fmt"

const mmPerInch = 25.4

// rulerMM is the physical length of the reference ruler span that downscaled output is
// normalised to.
const rulerMM = 200.0

type bandProfile struct {
	widthMM    float64
	correction float64
}

// Measured chromatic band widths and their scanner correction per supported resolution.
var bandProfiles = map[int]bandProfile{
	400: {widthMM: 133.1, correction: 400.0 / 393.0},
	600: {widthMM: 125.7, correction: 600.0 / 586.0},
}

// SupportedPPI reports whether ppi has a calibration profile.
func SupportedPPI(ppi int) bool {
	_, ok := bandProfiles[ppi]
	return ok
}

// ScaleFactor is the resize ratio applied to a super-resolved image scanned at ppi so the
// ruler span ends up at its nominal pixel length.
func ScaleFactor(ppi, srScale int) (float64, error) {
	p, ok := bandProfiles[ppi]
	if !ok {
		return 0, fmt.Errorf("unsupported ppi %d", ppi)
	}
	if srScale <= 0 {
		return 0, fmt.Errorf("invalid super-resolution scale %d", srScale)
	}
	target := float64(ppi) * rulerMM / mmPerInch
	measured := float64(srScale) * float64(ppi) * p.widthMM / mmPerInch
	return target / measured * p.correction, nil
}
