package inference

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/nfnt/resize"
)

// ImageNet statistics the DETR backbone was trained with.
var (
	pixelMean = [3]float32{0.485, 0.456, 0.406}
	pixelStd  = [3]float32{0.229, 0.224, 0.225}
)

// LoadImage decodes a PNG or JPEG file.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	return img, nil
}

// Preprocess resizes an image and normalizes it into the "images" input layout.
//
// Arguments:
//   - img: The image to prepare.
//   - width: The model input width.
//   - height: The model input height.
//
// Returns:
//   - 3*height*width values in channel-major order, normalized per channel with
//     the ImageNet mean and standard deviation.
func Preprocess(img image.Image, width, height int) []float32 {
	img = resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
	bounds := img.Bounds()

	channelSize := width * height
	data := make([]float32, 3*channelSize)
	red := data[0:channelSize]
	green := data[channelSize : channelSize*2]
	blue := data[channelSize*2 : channelSize*3]

	i := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			red[i] = (float32(r>>8)/255.0 - pixelMean[0]) / pixelStd[0]
			green[i] = (float32(g>>8)/255.0 - pixelMean[1]) / pixelStd[1]
			blue[i] = (float32(b>>8)/255.0 - pixelMean[2]) / pixelStd[2]
			i++
		}
	}
	return data
}
