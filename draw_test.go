package deseptex

import (
	"image"
	"image/color"
	"os"
	"testing"

	"go.viam.com/test"
)

func TestTextDrawer_DrawLabel(t *testing.T) {
	fontPath := os.Getenv("DESEPTEX_FONT")
	if fontPath == "" {
		fontPath = "./fonts/NotoSans-Regular.ttf"
	}
	if _, err := os.Stat(fontPath); err != nil {
		t.Skipf("字体文件不存在: %s", fontPath)
	}

	d, err := NewTextDrawer(fontPath)
	test.That(t, err, test.ShouldBeNil)
	defer d.Close()

	img := image.NewRGBA(image.Rect(0, 0, 200, 60))
	d.DrawLabel(img, "shirt: 3", 10, 30, color.White, color.Black)

	// 底色区域被填充, 远离文字的角落保持透明
	test.That(t, img.RGBAAt(8, 30).A, test.ShouldEqual, uint8(255))
	test.That(t, img.RGBAAt(199, 59).A, test.ShouldEqual, uint8(0))
	test.That(t, d.LineHeight(), test.ShouldBeGreaterThan, 0)
}

func TestNewTextDrawerMissingFont(t *testing.T) {
	_, err := NewTextDrawer("./fonts/does-not-exist.ttf")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTextDrawer_DrawLines(t *testing.T) {
	fontPath := os.Getenv("DESEPTEX_FONT")
	if fontPath == "" {
		fontPath = "./fonts/NotoSans-Regular.ttf"
	}
	if _, err := os.Stat(fontPath); err != nil {
		t.Skipf("字体文件不存在: %s", fontPath)
	}

	d, err := NewTextDrawer(fontPath)
	test.That(t, err, test.ShouldBeNil)
	defer d.Close()

	img := image.NewRGBA(image.Rect(0, 0, 300, 120))
	d.DrawLines(img, []string{"editing | shirt | 2 contours", "cutter did not acknowledge"}, 10, 30, color.White, color.Black)

	// 第二行所在位置也被底色覆盖
	test.That(t, img.RGBAAt(8, 30+d.LineHeight()).A, test.ShouldEqual, uint8(255))
	test.That(t, img.RGBAAt(299, 119).A, test.ShouldEqual, uint8(0))

	d.DrawLines(img, nil, 0, 0, color.White, color.Black)
}
