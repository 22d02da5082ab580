package frames

import "fmt"

// convertToRGB expands 4:2:0 planar/semi-planar data into packed RGB24
// using integer BT.601 coefficients. dst must be width*height*3 bytes.
func convertToRGB(format PixelFormat, src, dst []byte, width, height int) error {
	need := width * height * 3 / 2
	if len(src) < need {
		return fmt.Errorf("raw frame too short: have %d, need %d", len(src), need)
	}

	switch format {
	case FormatNV12:
		convertNV12(src, dst, width, height)
	case FormatYUV420P:
		convertYUV420P(src, dst, width, height)
	default:
		return fmt.Errorf("unsupported pixel format %q", format)
	}
	return nil
}

func convertNV12(src, dst []byte, width, height int) {
	ySize := width * height
	uvPlane := src[ySize:]

	for row := 0; row < height; row++ {
		uvRow := (row / 2) * width
		for col := 0; col < width; col++ {
			y := int(src[row*width+col])
			uvIdx := uvRow + (col/2)*2
			u := int(uvPlane[uvIdx])
			v := int(uvPlane[uvIdx+1])
			writeRGB(dst, (row*width+col)*3, y, u, v)
		}
	}
}

func convertYUV420P(src, dst []byte, width, height int) {
	ySize := width * height
	cSize := ySize / 4
	uPlane := src[ySize : ySize+cSize]
	vPlane := src[ySize+cSize : ySize+2*cSize]
	cWidth := width / 2

	for row := 0; row < height; row++ {
		cRow := (row / 2) * cWidth
		for col := 0; col < width; col++ {
			y := int(src[row*width+col])
			cIdx := cRow + col/2
			u := int(uPlane[cIdx])
			v := int(vPlane[cIdx])
			writeRGB(dst, (row*width+col)*3, y, u, v)
		}
	}
}

// writeRGB applies the fixed-point BT.601 conversion:
//
//	R = Y + 1.402 (V-128)
//	G = Y - 0.344 (U-128) - 0.714 (V-128)
//	B = Y + 1.772 (U-128)
func writeRGB(dst []byte, off, y, u, v int) {
	c := y
	d := u - 128
	e := v - 128

	r := c + (359*e)>>8
	g := c - ((88*d)+(183*e))>>8
	b := c + (454*d)>>8

	dst[off] = clamp8(r)
	dst[off+1] = clamp8(g)
	dst[off+2] = clamp8(b)
}

func clamp8(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
