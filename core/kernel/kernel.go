/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package kernel is the kernel call interface and sysfs liveness poll:
// inserting and removing modules via the init_module/delete_module
// syscalls, and checking /sys/module to find out whether a module is
// already resident, still initializing, or busy.
package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/basuotian/kmodctl/pkg/log"
)

// pollInterval is how long module_in_kernel's busy-wait sleeps between
// checks of /sys/module/<name>/initstate. There is deliberately no
// timeout: a module stuck initializing forever means modprobe waits
// forever too.
const pollInterval = 100 * time.Millisecond

// Errors returned by Insert/Remove, wrapped with errdefs sentinels so
// callers (core/action) can branch on category without string matching.
var (
	ErrAlreadyLoaded    = fmt.Errorf("module already in kernel: %w", errdefs.ErrAlreadyExists)
	ErrNotLoaded        = fmt.Errorf("module not in kernel: %w", errdefs.ErrNotFound)
	ErrInUse            = fmt.Errorf("module is in use: %w", errdefs.ErrFailedPrecondition)
	ErrUnknownSymbol    = fmt.Errorf("unknown symbol in module: %w", errdefs.ErrInvalidArgument)
	ErrNoModuleSupport  = fmt.Errorf("kernel does not support modules: %w", errdefs.ErrUnavailable)
	ErrSysfsUnavailable = fmt.Errorf("sysfs not mounted: %w", errdefs.ErrUnavailable)
)

// Interface is the kernel call abstraction core/action drives; Real
// issues the actual syscalls, and tests substitute a fake.
type Interface interface {
	// Insert loads image (a raw ELF module) into the kernel with the
	// given modprobe-style parameter string.
	Insert(ctx context.Context, image []byte, params string) error
	// Remove unloads name. O_EXCL-equivalent semantics: flags maps
	// directly onto delete_module(2)'s flags argument.
	Remove(ctx context.Context, name string, flags int) error
	// InKernel reports whether name is resident, waiting (if so) for
	// it to either finish initializing or disappear first, and fills
	// in usecount from /sys/module/<name>/refcnt when found.
	InKernel(ctx context.Context, name string) (found bool, usecount uint, err error)
}

// Real is the production Interface, talking to /sys/module and issuing
// init_module(2)/delete_module(2) through golang.org/x/sys/unix.
type Real struct {
	// SysfsRoot overrides "/sys/module" for tests; empty means the real
	// mount point.
	SysfsRoot string
}

func (r *Real) sysfsRoot() string {
	if r.SysfsRoot != "" {
		return r.SysfsRoot
	}
	return "/sys/module"
}

// Insert loads a module image with the given kernel-module parameters.
func (r *Real) Insert(ctx context.Context, image []byte, params string) error {
	log.G(ctx).WithField("bytes", len(image)).Debug("init_module")
	if err := unix.InitModule(image, params); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return ErrAlreadyLoaded
		}
		if errors.Is(err, unix.ENOSYS) {
			return ErrNoModuleSupport
		}
		if errors.Is(err, unix.ENOEXEC) || errors.Is(err, unix.ENOKEY) {
			return fmt.Errorf("init_module: %w", ErrUnknownSymbol)
		}
		return fmt.Errorf("init_module: %w", err)
	}
	return nil
}

// Remove unloads a module by name.
func (r *Real) Remove(ctx context.Context, name string, flags int) error {
	log.WithModule(ctx, name).Debug("delete_module")
	if err := unix.DeleteModule(name, flags); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return ErrNotLoaded
		}
		if errors.Is(err, unix.EBUSY) || errors.Is(err, unix.EWOULDBLOCK) {
			return ErrInUse
		}
		return fmt.Errorf("delete_module: %w", err)
	}
	return nil
}

// InKernel implements module_in_kernel: stat /sys/module to confirm
// sysfs is mounted, stat /sys/module/<name> to see if the module is
// known at all, then poll initstate at pollInterval until it reads
// "live" or the module disappears, finally reading refcnt.
func (r *Real) InKernel(ctx context.Context, name string) (bool, uint, error) {
	root := r.sysfsRoot()
	if _, err := os.Stat(root); err != nil {
		return false, 0, ErrSysfsUnavailable
	}

	modDir := filepath.Join(root, name)
	if _, err := os.Stat(modDir); err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("stat %s: %w", modDir, err)
	}

	initstatePath := filepath.Join(modDir, "initstate")
	for {
		state, ok, err := readAttribute(initstatePath)
		if err != nil {
			return false, 0, err
		}
		if !ok || state == "live" {
			break
		}
		klog.V(4).Infof("waiting for module %s to finish initializing (state=%q)", name, state)
		select {
		case <-ctx.Done():
			return false, 0, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	refcntPath := filepath.Join(modDir, "refcnt")
	usecount := uint(0)
	if val, ok, err := readAttribute(refcntPath); err == nil && ok {
		if n, convErr := strconv.Atoi(val); convErr == nil {
			usecount = uint(n)
		}
	}
	return true, usecount, nil
}

// readAttribute reads a single-line sysfs attribute file, trimming the
// trailing newline. ok is false if the file doesn't exist (the attribute
// may race with module removal).
func readAttribute(path string) (value string, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimRight(string(data), "\n"), true, nil
}
