package source

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

// Progress wraps a Provider and draws a byte progress bar for every artifact
// read through it.
type Progress struct {
	Provider Provider
	Writer   io.Writer
}

func (p Progress) Open(id string) (Source, error) {
	src, err := p.Provider.Open(id)
	if err != nil {
		return nil, err
	}
	size, err := Size(src)
	if err != nil {
		src.Close()
		return nil, err
	}
	bar := progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(p.Writer),
		progressbar.OptionSetDescription(id),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
	return NewOnceCloser(&progressSource{Source: src, bar: bar}), nil
}

type progressSource struct {
	Source
	bar *progressbar.ProgressBar
}

func (p *progressSource) Read(b []byte) (int, error) {
	n, err := p.Source.Read(b)
	if n > 0 {
		_ = p.bar.Add(n)
	}
	return n, err
}

// Seek keeps the bar in step with the read position so header sniffing and
// rewinds are not counted twice. Length probes that land on or past the end
// are not reported; reaching the max finishes the bar for good.
func (p *progressSource) Seek(offset int64, whence int) (int64, error) {
	pos, err := p.Source.Seek(offset, whence)
	if err == nil && whence != io.SeekEnd && pos < p.bar.GetMax64() {
		_ = p.bar.Set64(pos)
	}
	return pos, err
}

func (p *progressSource) Close() error {
	_ = p.bar.Close()
	return p.Source.Close()
}

var _ Provider = Progress{}
