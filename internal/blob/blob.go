// Package blob finds the centre of a dark animal against a light background in
// a preprocessed grayscale frame.
package blob

import (
	"image"
)

// Otsu returns the threshold t that maximises the between-class variance of
// pixels <= t and pixels > t.
func Otsu(pix []uint8) uint8 {
	var hist [256]int
	for _, v := range pix {
		hist[v]++
	}
	n := float64(len(pix))
	var sumAll float64
	for i, c := range hist {
		sumAll += float64(i * c)
	}

	var best uint8
	bestVar := -1.0
	var q1, sum1 float64
	for i, c := range hist {
		q1 += float64(c)
		if q1 == 0 {
			continue
		}
		q2 := n - q1
		if q2 == 0 {
			break
		}
		sum1 += float64(i * c)
		m1, m2 := sum1/q1, (sumAll-sum1)/q2
		if v := q1 * q2 * (m1 - m2) * (m1 - m2); v > bestVar {
			bestVar = v
			best = uint8(i)
		}
	}
	return best
}

// Window returns the square of half-width radius around (cx, cy), truncated
// to integer pixels and clipped to bounds.
func Window(bounds image.Rectangle, cx, cy, radius float64) image.Rectangle {
	r := image.Rect(
		max(bounds.Min.X, int(cx-radius)),
		max(bounds.Min.Y, int(cy-radius)),
		int(cx+radius),
		int(cy+radius),
	)
	return r.Intersect(bounds)
}

// Locate inverts the window around (cx, cy), keeps the pixels above the Otsu
// threshold, and returns their intensity-weighted centroid in img coordinates.
// ok is false when the window is empty or holds no foreground mass.
func Locate(img *image.Gray, cx, cy, radius float64) (x, y float64, ok bool) {
	win := Window(img.Bounds(), cx, cy, radius)
	if win.Empty() {
		return 0, 0, false
	}

	inv := make([]uint8, 0, win.Dx()*win.Dy())
	for py := win.Min.Y; py < win.Max.Y; py++ {
		for px := win.Min.X; px < win.Max.X; px++ {
			inv = append(inv, 255-img.GrayAt(px, py).Y)
		}
	}
	t := Otsu(inv)

	var mass, mx, my float64
	for i, v := range inv {
		if v <= t {
			continue
		}
		w := float64(v)
		mass += w
		mx += w * float64(i%win.Dx())
		my += w * float64(i/win.Dx())
	}
	if mass == 0 {
		return 0, 0, false
	}
	return float64(win.Min.X) + mx/mass, float64(win.Min.Y) + my/mass, true
}
