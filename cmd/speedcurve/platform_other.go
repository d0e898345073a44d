//go:build !linux

package main

import (
	"context"
	"errors"
	"os"

	"speedcurve"
)

var errUnsupportedPlatform = errors.New("evdev and uinput are only available on linux")

func readInputEventsEpoll(ctx context.Context, files []*os.File, events chan<- inputEvent) error {
	return errUnsupportedPlatform
}

type uinputDevice struct{}

func openUinput(path, name string, caps deviceCaps) (*uinputDevice, error) {
	return nil, errUnsupportedPlatform
}

func (d *uinputDevice) WriteEvent(ev speedcurve.Event) error { return errUnsupportedPlatform }

func (d *uinputDevice) Close() error { return nil }

func grabDevice(f *os.File) error { return errUnsupportedPlatform }

func queryCaps(f *os.File) (deviceCaps, error) { return deviceCaps{}, errUnsupportedPlatform }
