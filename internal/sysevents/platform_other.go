//go:build !darwin && !windows && !linux

package sysevents

import "context"

func startPlatform(context.Context, *Listener) error { return nil }
