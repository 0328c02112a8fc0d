// Command kiwyctl drives the VM, Ext2, pipe, and IPC subsystems from
// the shell, for manual exercise and as a smoke test of the wiring
// between packages (spec §0 "scope").
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/ext2"
	"github.com/aejsmith/kiwi/internal/ipc"
	"github.com/aejsmith/kiwi/internal/kstat"
	"github.com/aejsmith/kiwi/internal/mem"
	"github.com/aejsmith/kiwi/internal/pipe"
	"github.com/aejsmith/kiwi/internal/vm"
	"github.com/spf13/cobra"
)

var (
	log     = kstat.NewLogger("kiwyctl")
	stats   kstat.Counters
	imgSize int64
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kiwyctl",
		Short: "Exercise the VM, Ext2, pipe and IPC kernel subsystems",
	}
	root.AddCommand(fsCmd(), vmCmd(), pipeCmd(), ipcCmd(), statsCmd())
	return root
}

func fsCmd() *cobra.Command {
	fs := &cobra.Command{Use: "fs", Short: "Ext2 filesystem operations"}

	mkfsCmd := &cobra.Command{
		Use:   "mkfs <size-bytes>",
		Short: "Format an in-memory Ext2 image and report its layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var size int64
			if _, err := fmt.Sscanf(args[0], "%d", &size); err != nil {
				return err
			}
			dev := ext2.NewMemDevice(size)
			if err := ext2.Mkfs(dev, size); err != 0 {
				return err
			}
			m, err := ext2.Mount(dev, false, &stats)
			if err != 0 {
				return err
			}
			defer m.Unmount()
			log.Info("formatted volume", "size_bytes", size)
			fmt.Printf("ok: formatted %d-byte volume, root inode %d\n", size, ext2.RootIno)
			return nil
		},
	}

	catCmd := &cobra.Command{
		Use:   "demo-roundtrip",
		Short: "Format a scratch volume, write a file, and read it back",
		RunE: func(cmd *cobra.Command, args []string) error {
			size := int64(4 * 1024 * 1024)
			dev := ext2.NewMemDevice(size)
			if err := ext2.Mkfs(dev, size); err != 0 {
				return err
			}
			m, err := ext2.Mount(dev, false, &stats)
			if err != 0 {
				return err
			}
			defer m.Unmount()

			alloc := mem.NewAllocator(256)
			root, err := m.OpenFile(ext2.RootIno, alloc)
			if err != 0 {
				return err
			}
			ino, err := m.AllocInode(false)
			if err != 0 {
				return err
			}
			if err := m.Insert(root, "greeting.txt", ino, ext2.FTRegular); err != 0 {
				return err
			}
			f, err := m.OpenFile(ino, alloc)
			if err != 0 {
				return err
			}
			if _, err := f.Write(0, []byte("hello from kiwyctl\n")); err != 0 {
				return err
			}
			buf := make([]byte, 19)
			if _, err := f.Read(0, buf); err != 0 {
				return err
			}
			fmt.Print(string(buf))
			return nil
		},
	}

	fsckCmd := &cobra.Command{
		Use:   "fsck",
		Short: "Format a scratch volume and run the read-only consistency walk over it",
		RunE: func(cmd *cobra.Command, args []string) error {
			size := int64(4 * 1024 * 1024)
			dev := ext2.NewMemDevice(size)
			if err := ext2.Mkfs(dev, size); err != 0 {
				return err
			}
			m, err := ext2.Mount(dev, false, &stats)
			if err != 0 {
				return err
			}
			defer m.Unmount()

			alloc := mem.NewAllocator(256)
			report, err := m.Fsck(alloc)
			if err != 0 {
				return err
			}
			if report.Clean() {
				fmt.Println("ok: filesystem is consistent")
				return nil
			}
			fmt.Printf("inconsistent: %+v\n", *report)
			return nil
		},
	}

	fs.AddCommand(mkfsCmd, catCmd, fsckCmd)
	return fs
}

func vmCmd() *cobra.Command {
	v := &cobra.Command{Use: "vm", Short: "Address-space operations"}
	v.AddCommand(&cobra.Command{
		Use:   "demo-map",
		Short: "Create an address space and map an anonymous region",
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc := mem.NewAllocator(1024)
			as := vm.New(0, 64*mem.PageSize, false, alloc)
			addr, err := as.Map(defs.AddrAny, 0, 4*mem.PageSize,
				defs.ProtRead|defs.ProtWrite, defs.MapPrivate, nil, 0, "demo")
			if err != 0 {
				return err
			}

			ub := vm.NewUserBuf(as, addr, 5)
			if _, err := ub.CopyIn([]byte("kiwi!")); err != 0 {
				return err
			}
			out := make([]byte, 5)
			if _, err := vm.NewUserBuf(as, addr, 5).CopyOut(out); err != 0 {
				return err
			}

			if err := as.Protect(addr, 4*mem.PageSize, defs.ProtRead); err != 0 {
				return err
			}

			fmt.Printf("mapped anon region at %#x, round-tripped %q, now read-only\n", addr, out)
			return nil
		},
	})
	return v
}

func pipeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pipe-demo",
		Short: "Create a pipe, write and read one message",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, w := pipe.Create()
			msg := []byte("ping")
			if _, err := w.Write(context.Background(), msg, false); err != 0 {
				return err
			}
			buf := make([]byte, len(msg))
			if _, err := r.Read(context.Background(), buf, false); err != 0 {
				return err
			}
			stats.PipeBytesWritten.Add(int64(len(msg)))
			stats.PipeBytesRead.Add(int64(len(buf)))
			fmt.Println(string(buf))
			return nil
		},
	}
}

func ipcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ipc-demo",
		Short: "Create a port, loopback-connect it, and exchange a message",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := ipc.NewRegistry()
			port, err := reg.Create(ipc.Identity{PID: os.Getpid()})
			if err != 0 {
				return err
			}
			client, server, err := port.Loopback(ipc.Identity{PID: os.Getpid()})
			if err != 0 {
				return err
			}
			if err := client.Send(context.Background(), 1, []byte("ping")); err != 0 {
				return err
			}
			buf := make([]byte, 4)
			_, _, err = server.Receive(context.Background(), buf)
			if err != 0 {
				return err
			}
			stats.IPCMessagesSent.Add(1)
			fmt.Println(string(buf))
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print accumulated kstat counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(stats.String())
			return nil
		},
	}
}
