package annotate

import "fmt"

// 红色通道强度上限，保证文字始终可读
const maxIntensity = 191

// Intensity 计数对应的着色强度；0 表示不着色
func Intensity(count int64) int {
	if count <= 0 {
		return 0
	}
	if count > (maxIntensity-32)/2 {
		return maxIntensity
	}
	return int(2*count + 32)
}

// Color 计数对应的背景色
func Color(count int64) string {
	c := 255 - Intensity(count)
	return fmt.Sprintf("rgb(255, %d, %d)", c, c)
}
