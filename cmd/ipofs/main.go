// Command ipofs edits IPO_FS file systems inside raw disk images.
package main

import (
	"fmt"
	"log"
	"os"
	gopath "path"

	"github.com/IPOleksenko/ipofs"
	"github.com/IPOleksenko/ipofs/disks"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "ipofs",
		Usage: "Edit IPO_FS disk images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "image",
				Aliases: []string{"i"},
				Value:   "build/disk.img",
				Usage:   "path to the disk image",
			},
			&cli.Uint64Flag{
				Name:    "start-lba",
				Aliases: []string{"s"},
				Value:   2048,
				Usage:   "block offset of the partition within the image",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "format",
				Usage:  "Write a new IPO_FS in the partition",
				Action: formatImage,
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:  "inodes",
						Value: ipofs.DefaultTotalInodes,
						Usage: "number of inode slots",
					},
					&cli.StringFlag{
						Name:  "profile",
						Usage: "predefined image profile; creates the image file if missing",
					},
				},
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				ArgsUsage: "[PATH]",
				Action:    listDirectory,
			},
			{
				Name:      "cat",
				Usage:     "Write a file's bytes to stdout",
				ArgsUsage: "PATH",
				Action:    catFile,
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory",
				ArgsUsage: "PATH",
				Action:    makeDirectory,
			},
			{
				Name:      "touch",
				Usage:     "Create an empty file, or write text or a host file to one",
				ArgsUsage: "PATH  [TEXT|HOST_FILE]",
				Action:    touchFile,
			},
			{
				Name:      "put",
				Usage:     "Copy a host file into the image",
				ArgsUsage: "SRC  [DEST]",
				Action:    putFile,
			},
			{
				Name:      "rm",
				Usage:     "Delete a file or empty directory",
				ArgsUsage: "PATH",
				Action:    removePath,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func startLBA(ctx *cli.Context) uint32 {
	return uint32(ctx.Uint64("start-lba"))
}

// openImage opens the backing image read-write and mounts the file system.
func openImage(ctx *cli.Context) (*ipofs.FileSystem, *os.File, error) {
	imagePath := ctx.String("image")
	file, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open image %q: %w", imagePath, err)
	}

	fs, err := ipofs.Open(file, startLBA(ctx))
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return fs, file, nil
}

func formatImage(ctx *cli.Context) error {
	imagePath := ctx.String("image")
	totalInodes := uint32(ctx.Uint("inodes"))
	lba := startLBA(ctx)

	if slug := ctx.String("profile"); slug != "" {
		profile, err := disks.GetPredefinedImageProfile(slug)
		if err != nil {
			return err
		}
		totalInodes = profile.TotalInodes
		lba = profile.StartLBA

		err = ensureImageFile(imagePath, profile.TotalSizeBytes)
		if err != nil {
			return err
		}
	}

	file, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("cannot open image %q: %w", imagePath, err)
	}
	defer file.Close()

	fs, err := ipofs.OpenUnformatted(file, lba)
	if err != nil {
		return err
	}

	err = fs.Format(totalInodes)
	if err != nil {
		return err
	}

	fmt.Println("Disk formatted successfully")
	return nil
}

// ensureImageFile creates a zero-filled image of the given size if none
// exists. An existing file is left exactly as it is.
func ensureImageFile(imagePath string, sizeBytes int64) error {
	_, err := os.Stat(imagePath)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}

	err = os.MkdirAll(gopath.Dir(imagePath), 0o755)
	if err != nil {
		return err
	}

	file, err := os.Create(imagePath)
	if err != nil {
		return err
	}
	defer file.Close()
	return file.Truncate(sizeBytes)
}

func listDirectory(ctx *cli.Context) error {
	fs, file, err := openImage(ctx)
	if err != nil {
		return err
	}
	defer file.Close()

	target := "/"
	if ctx.Args().Len() > 0 {
		target = ctx.Args().First()
	}

	entries, err := fs.List(target)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Println(entry.Name + "/")
		} else {
			fmt.Println(entry.Name)
		}
	}
	return nil
}

func catFile(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return cli.Exit("usage: cat PATH", 1)
	}

	fs, file, err := openImage(ctx)
	if err != nil {
		return err
	}
	defer file.Close()

	data, err := fs.ReadFile(ctx.Args().First())
	if err != nil {
		return err
	}

	_, err = os.Stdout.Write(data)
	return err
}

func makeDirectory(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return cli.Exit("usage: mkdir PATH", 1)
	}

	fs, file, err := openImage(ctx)
	if err != nil {
		return err
	}
	defer file.Close()

	return fs.Mkdir(ctx.Args().First())
}

func touchFile(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 || ctx.Args().Len() > 2 {
		return cli.Exit("usage: touch PATH [TEXT|HOST_FILE]", 1)
	}

	fs, file, err := openImage(ctx)
	if err != nil {
		return err
	}
	defer file.Close()

	target := ctx.Args().Get(0)
	if ctx.Args().Len() == 1 {
		return fs.WriteText(target, "")
	}

	text := ctx.Args().Get(1)

	// A second argument naming a host file means "put that file here";
	// anything else is literal content.
	if info, statErr := os.Stat(text); statErr == nil && info.Mode().IsRegular() {
		data, readErr := os.ReadFile(text)
		if readErr != nil {
			return readErr
		}
		return fs.PutBytes(data, text, target)
	}
	return fs.WriteText(target, text)
}

func putFile(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 || ctx.Args().Len() > 2 {
		return cli.Exit("usage: put SRC [DEST]", 1)
	}

	source := ctx.Args().Get(0)
	dest := "/"
	if ctx.Args().Len() == 2 {
		dest = ctx.Args().Get(1)
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return fmt.Errorf("local file not found: %q: %w", source, err)
	}

	fs, file, err := openImage(ctx)
	if err != nil {
		return err
	}
	defer file.Close()

	return fs.PutBytes(data, source, dest)
}

func removePath(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return cli.Exit("usage: rm PATH", 1)
	}

	fs, file, err := openImage(ctx)
	if err != nil {
		return err
	}
	defer file.Close()

	err = fs.Delete(ctx.Args().First())
	if err != nil {
		return cli.Exit(fmt.Sprintf("rm: %s", err.Error()), 1)
	}
	return nil
}
