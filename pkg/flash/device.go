package flash

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/omnirobotics/otagent/pkg/logging"
	"github.com/omnirobotics/otagent/pkg/partition"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// Device is a file-backed Flash: slots address ranges of a flat image file,
// and the boot target lives in a small TOML boot record replaced atomically.
type Device struct {
	log    logging.Logger
	img    *os.File
	record string

	mu   sync.Mutex
	open map[string]struct{}
}

var _ Flash = (*Device)(nil)

// Open maps the backing image and boot record paths into a Device. The image
// file is created if absent.
func Open(log logging.Logger, imagePath, recordPath string) (*Device, error) {
	img, err := os.OpenFile(imagePath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open flash image")
	}
	return &Device{
		log:    log,
		img:    img,
		record: recordPath,
		open:   map[string]struct{}{},
	}, nil
}

// Close releases the backing image.
func (d *Device) Close() error {
	return d.img.Close()
}

// Begin opens a streamed write against the slot.
func (d *Device) Begin(p partition.Partition, size int64) (Handle, error) {
	if size != SizeUnknown && size < 0 {
		return nil, errors.Errorf("invalid image size %d", size)
	}
	if size != SizeUnknown && uint64(size) > p.Size {
		return nil, errors.Errorf("image size %d exceeds slot %q size %d", size, p.Label, p.Size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.open[p.Label]; busy {
		return nil, errors.Errorf("slot %q already has an open write handle", p.Label)
	}
	d.open[p.Label] = struct{}{}

	d.log.WithField("slot", p.Label).Debug("write handle opened")
	return &deviceHandle{dev: d, part: p}, nil
}

// SetBootTarget records the slot label in the boot record. The record is
// written to a temporary file and renamed so a crash mid-write leaves the
// previous target in place.
func (d *Device) SetBootTarget(p partition.Partition) error {
	raw, err := toml.Marshal(bootRecord{BootTarget: p.Label})
	if err != nil {
		return errors.Wrap(err, "unable to encode boot record")
	}

	tmp := d.record + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return errors.Wrap(err, "unable to stage boot record")
	}
	if err := os.Rename(tmp, d.record); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "unable to commit boot record")
	}

	d.log.WithField("slot", p.Label).Info("boot target recorded")
	return nil
}

// BootTarget reads the recorded boot target label.
func (d *Device) BootTarget() (string, error) {
	raw, err := os.ReadFile(d.record)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "unable to read boot record")
	}
	rec := bootRecord{}
	if err := toml.Unmarshal(raw, &rec); err != nil {
		return "", errors.Wrapf(err, "boot record %s is corrupt", filepath.Base(d.record))
	}
	return rec.BootTarget, nil
}

type bootRecord struct {
	BootTarget string `toml:"boot_target"`
}

func (d *Device) release(label string) {
	d.mu.Lock()
	delete(d.open, label)
	d.mu.Unlock()
}

// deviceHandle appends bytes at the slot's offset. Not safe for concurrent
// use; the receiver is the only writer.
type deviceHandle struct {
	dev     *Device
	part    partition.Partition
	written uint64
	done    bool
}

func (h *deviceHandle) Write(b []byte) (int, error) {
	if h.done {
		return 0, errors.New("write on consumed handle")
	}
	if h.written+uint64(len(b)) > h.part.Size {
		return 0, errors.Errorf("image overflows slot %q (%d of %d bytes used)",
			h.part.Label, h.written, h.part.Size)
	}
	n, err := h.dev.img.WriteAt(b, int64(h.part.Offset+h.written))
	h.written += uint64(n)
	if err != nil {
		return n, errors.Wrapf(err, "write to slot %q", h.part.Label)
	}
	return n, nil
}

func (h *deviceHandle) Finalize() error {
	if h.done {
		return errors.New("finalize on consumed handle")
	}
	h.done = true
	defer h.dev.release(h.part.Label)

	if err := h.dev.img.Sync(); err != nil {
		return errors.Wrapf(err, "sync slot %q", h.part.Label)
	}
	h.dev.log.WithField("slot", h.part.Label).
		WithField("bytes", h.written).
		Debug("write handle finalized")
	return nil
}

func (h *deviceHandle) Abort() error {
	if h.done {
		return nil
	}
	h.done = true
	h.dev.release(h.part.Label)
	h.dev.log.WithField("slot", h.part.Label).
		WithField("bytes", h.written).
		Warn("write handle aborted, slot contents indeterminate")
	return nil
}
