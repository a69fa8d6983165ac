package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/keyhound/keyhound/derive"
)

func runOpenCLInfo(ctx context.Context, cfg *Config) error {
	devices, err := derive.ListOpenCLDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Printf("platform %d (%s) device %d:\n", d.PlatformIndex, d.PlatformName, d.DeviceIndex)
		fmt.Printf("  name:            %s\n", d.Name)
		fmt.Printf("  vendor:          %s\n", d.Vendor)
		fmt.Printf("  version:         %s\n", d.Version)
		fmt.Printf("  compute units:   %d\n", d.ComputeUnits)
		fmt.Printf("  global memory:   %s\n", humanize.IBytes(d.GlobalMem))
		fmt.Printf("  max work group:  %d\n", d.MaxWorkGroup)
	}
	return nil
}
