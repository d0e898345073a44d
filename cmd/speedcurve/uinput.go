//go:build linux

package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/temoto/inputevent-go"
	"golang.org/x/sys/unix"

	"speedcurve"
)

// ioctl requests from <linux/uinput.h> and <linux/input.h>
const (
	uiDevCreate  uint = 0x5501
	uiDevDestroy uint = 0x5502
	uiSetEvBit   uint = 0x40045564
	uiSetKeyBit  uint = 0x40045565
	uiSetRelBit  uint = 0x40045566
	uiSetMscBit  uint = 0x40045568
	uiSetPropBit uint = 0x4004556e

	eviocGrab uint = 0x40044590

	// EVIOCGBIT(ev, len) = _IOC(_IOC_READ, 'E', 0x20+ev, len)
	iocRead      = 2
	eviocGBitNr  = 0x20
	relBitsBytes = 0x0f/8 + 1
	keyBitsBytes = 0x2ff/8 + 1
	mscBitsBytes = 0x07/8 + 1

	busVirtual       = 0x06
	inputPropPointer = 0x00
	absSize          = 64
)

type inputID struct {
	Bustype uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// uinputUserDev is struct uinput_user_dev (legacy setup interface, still
// supported by every kernel and simpler than UI_DEV_SETUP).
type uinputUserDev struct {
	Name       [uinputMaxNameSize]byte
	ID         inputID
	EffectsMax uint32
	Absmax     [absSize]int32
	Absmin     [absSize]int32
	Absfuzz    [absSize]int32
	Absflat    [absSize]int32
}

// uinputDevice is a virtual relative pointer that re-emits the reshaped stream.
type uinputDevice struct {
	f    *os.File
	fd   int
	name string
}

// openUinput creates a virtual pointer advertising caps.
func openUinput(path, name string, caps deviceCaps) (*uinputDevice, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	fd, err := rawFd(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("fd of %s: %w", path, err)
	}

	d := &uinputDevice{f: f, fd: fd, name: name}
	if err := d.setup(caps); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

func (d *uinputDevice) setup(caps deviceCaps) error {
	types := []int{speedcurve.EV_SYN, speedcurve.EV_KEY, speedcurve.EV_REL}
	if len(caps.Msc) > 0 {
		types = append(types, speedcurve.EV_MSC)
	}
	for _, ev := range types {
		if err := unix.IoctlSetInt(d.fd, uiSetEvBit, ev); err != nil {
			return fmt.Errorf("UI_SET_EVBIT %d: %w", ev, err)
		}
	}
	bits := []struct {
		req   uint
		name  string
		codes []uint16
	}{
		{uiSetRelBit, "UI_SET_RELBIT", caps.Rel},
		{uiSetKeyBit, "UI_SET_KEYBIT", caps.Key},
		{uiSetMscBit, "UI_SET_MSCBIT", caps.Msc},
	}
	for _, b := range bits {
		for _, code := range b.codes {
			if err := unix.IoctlSetInt(d.fd, b.req, int(code)); err != nil {
				return fmt.Errorf("%s %d: %w", b.name, code, err)
			}
		}
	}
	if err := unix.IoctlSetInt(d.fd, uiSetPropBit, inputPropPointer); err != nil {
		return fmt.Errorf("UI_SET_PROPBIT: %w", err)
	}

	dev := uinputUserDev{
		ID: inputID{
			Bustype: busVirtual,
			Vendor:  0x5343, // "SC"
			Product: 0x0001,
			Version: 1,
		},
	}
	copy(dev.Name[:], d.name)

	if err := binary.Write(d.f, binary.NativeEndian, &dev); err != nil {
		return fmt.Errorf("write uinput_user_dev: %w", err)
	}
	if err := unix.IoctlSetInt(d.fd, uiDevCreate, 0); err != nil {
		return fmt.Errorf("UI_DEV_CREATE: %w", err)
	}
	return nil
}

// WriteEvent emits one event. The kernel stamps the time itself.
func (d *uinputDevice) WriteEvent(ev speedcurve.Event) error {
	ie := inputevent.InputEvent{
		Type:  ev.Type,
		Code:  ev.Code,
		Value: ev.Value,
	}
	if err := binary.Write(d.f, binary.NativeEndian, &ie); err != nil {
		return fmt.Errorf("write %s: %w", d.name, err)
	}
	return nil
}

func (d *uinputDevice) Close() error {
	destroyErr := unix.IoctlSetInt(d.fd, uiDevDestroy, 0)
	closeErr := d.f.Close()
	if destroyErr != nil {
		return fmt.Errorf("UI_DEV_DESTROY: %w", destroyErr)
	}
	return closeErr
}

// grabDevice takes exclusive access to an evdev device so only the reshaped
// stream reaches the rest of the system.
func grabDevice(f *os.File) error {
	fd, err := rawFd(f)
	if err != nil {
		return err
	}
	if err := unix.IoctlSetInt(fd, eviocGrab, 1); err != nil {
		return fmt.Errorf("EVIOCGRAB %s: %w", f.Name(), err)
	}
	return nil
}

// queryCaps reads the relative, key and misc codes an evdev device reports.
func queryCaps(f *os.File) (deviceCaps, error) {
	fd, err := rawFd(f)
	if err != nil {
		return deviceCaps{}, err
	}
	read := func(evType, size int) ([]uint16, error) {
		buf := make([]byte, size)
		req := uintptr(iocRead)<<30 | uintptr(size)<<16 | uintptr('E')<<8 | uintptr(eviocGBitNr+evType)
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(unsafe.Pointer(&buf[0])))
		if errno != 0 {
			return nil, fmt.Errorf("EVIOCGBIT %d %s: %w", evType, f.Name(), errno)
		}
		return bitsToCodes(buf), nil
	}

	var caps deviceCaps
	if caps.Rel, err = read(speedcurve.EV_REL, relBitsBytes); err != nil {
		return deviceCaps{}, err
	}
	if caps.Key, err = read(speedcurve.EV_KEY, keyBitsBytes); err != nil {
		return deviceCaps{}, err
	}
	if caps.Msc, err = read(speedcurve.EV_MSC, mscBitsBytes); err != nil {
		return deviceCaps{}, err
	}
	return caps, nil
}
