// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kernel

import (
	"context"

	"kiwi.dev/kiwi/pkg/device"
	"kiwi.dev/kiwi/pkg/file"
)

// nullDevice discards writes and reads as empty.
type nullDevice struct {
	device.BaseOps
}

func (nullDevice) Read(context.Context, *device.Device, *file.Handle, []byte, int64) (int, error) {
	return 0, nil
}

func (nullDevice) Write(_ context.Context, _ *device.Device, _ *file.Handle, buf []byte, _ int64) (int, error) {
	return len(buf), nil
}

// zeroDevice reads as zeroes and discards writes. Mapping it gives
// anonymous memory.
type zeroDevice struct {
	device.BaseOps
}

func (zeroDevice) Read(_ context.Context, _ *device.Device, _ *file.Handle, buf []byte, _ int64) (int, error) {
	clear(buf)
	return len(buf), nil
}

func (zeroDevice) Write(_ context.Context, _ *device.Device, _ *file.Handle, buf []byte, _ int64) (int, error) {
	return len(buf), nil
}

func (zeroDevice) Map(context.Context, *device.Device, *file.Handle, any) error {
	return nil
}

func initVirtualDevices(ctx context.Context, k *Kernel) error {
	devices := []struct {
		name string
		ops  device.Ops
	}{
		{"null", nullDevice{}},
		{"zero", zeroDevice{}},
	}
	for _, d := range devices {
		attrs := []device.Attribute{device.StringAttr("device.class", "virtual")}
		if _, err := k.Devices.Create(ctx, nil, d.name, k.Devices.Virtual, d.ops, nil, attrs); err != nil {
			return err
		}
	}
	return nil
}
