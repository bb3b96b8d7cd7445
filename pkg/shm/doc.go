// Package shm maps the files a media driver shares with its clients: the
// command-and-control file and the per-stream log buffers.
//
// The driver owns every file; a Region only maps and unmaps it.
//
// Example usage:
//
//	region, err := shm.Open(ctx, shm.OpenOptions{Path: "/dev/shm/shmbus/cnc.dat"})
//	if err != nil {
//	  return err
//	}
//	defer region.Close()
//	mem := region.Bytes()
//
// Platform-specific helpers are in internal/shm.
package shm
