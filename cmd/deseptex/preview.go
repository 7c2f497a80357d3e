package main

import (
	"image"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/up-zero/gotool/imageutil"
	"go.uber.org/zap"
)

// preview 把渲染结果写成图片文件, 代替窗口显示
type preview struct {
	path   string
	logger *zap.SugaredLogger
}

func newPreview(path string, logger *zap.SugaredLogger) *preview {
	return &preview{path: path, logger: logger}
}

// Show 先写临时文件再改名, 外部查看器不会读到写了一半的图片
func (p *preview) Show(img image.Image) error {
	if p.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o750); err != nil {
		return errors.Wrap(err, "error creating preview directory")
	}
	tmp := filepath.Join(filepath.Dir(p.path), ".tmp-"+filepath.Base(p.path))
	if err := imageutil.Save(tmp, img, 90); err != nil {
		return errors.Wrapf(err, "error writing preview %s", tmp)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return errors.Wrap(err, "error replacing preview")
	}
	p.logger.Debugw("preview updated", "path", p.path)
	return nil
}
