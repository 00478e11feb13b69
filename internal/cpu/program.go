package cpu

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samcharles93/muxhal/pkg/elfimage"
	"github.com/samcharles93/muxhal/pkg/hal"
)

// program is a loaded kernel image and the kernels resolved from it.
type program struct {
	path    string
	image   *elfimage.Image
	kernels map[string]hal.Kernel
}

type kernelInfo struct {
	name    string
	program hal.Program
	entry   KernelFunc
}

// djb2 is the classic Bernstein string hash.
func djb2(data []byte) uint64 {
	h := uint64(5381)
	for _, b := range data {
		h = h*33 + uint64(b)
	}
	return h
}

// stageImage writes data to dir/kernel_<hash>_<pid>.elf. Another live image
// with identical contents gets a numeric suffix.
func stageImage(dir string, data []byte) (string, error) {
	base := fmt.Sprintf("kernel_%x_%d", djb2(data), os.Getpid())
	for n := 0; ; n++ {
		name := base + ".elf"
		if n > 0 {
			name = fmt.Sprintf("%s_%d.elf", base, n)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr == nil {
			werr = cerr
		}
		if werr != nil {
			_ = os.Remove(path)
			return "", werr
		}
		return path, nil
	}
}

// loadProgram stages and opens an image.
func loadProgram(dir string, data []byte) (*program, error) {
	if len(data) == 0 {
		return nil, errors.New("empty kernel image")
	}
	path, err := stageImage(dir, data)
	if err != nil {
		return nil, fmt.Errorf("stage kernel image: %w", err)
	}
	img, err := elfimage.Open(path)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return &program{path: path, image: img, kernels: map[string]hal.Kernel{}}, nil
}

func (p *program) close() error {
	err := p.image.Close()
	if rerr := os.Remove(p.path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}
