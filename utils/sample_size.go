package utils

import "math"

// CalculateSampleSize returns the subsampling factor for decoding an image of
// width x height into a reqWidth x reqHeight bounding box.
// The factor is the smaller of the rounded width and height ratios, never less than 1.
// Zero or negative bounds disable subsampling.
func CalculateSampleSize(width int, height int, reqWidth int, reqHeight int) int {
	if reqWidth <= 0 || reqHeight <= 0 {
		return 1
	}

	sampleSize := 1
	if height > reqHeight || width > reqWidth {
		heightRatio := int(math.Round(float64(height) / float64(reqHeight)))
		widthRatio := int(math.Round(float64(width) / float64(reqWidth)))

		sampleSize = widthRatio
		if heightRatio < widthRatio {
			sampleSize = heightRatio
		}
	}

	if sampleSize < 1 {
		return 1
	}
	return sampleSize
}

// GetSampledDimension returns the dimension after subsampling, at least 1
func GetSampledDimension(dimension int, sampleSize int) int {
	if sampleSize <= 1 {
		return dimension
	}

	sampled := dimension / sampleSize
	if sampled < 1 {
		return 1
	}
	return sampled
}
