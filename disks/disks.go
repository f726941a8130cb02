// Package disks holds a registry of predefined disk-image profiles: the
// image sizes, partition offsets, and inode counts this project ships
// images with. The table is CSV so new profiles are a one-line edit.
package disks

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
)

// ImageProfile describes one way to lay out a backing image file. A
// profile fixes everything the formatter needs that can't be measured
// from the file itself.
type ImageProfile struct {
	Name string `csv:"name"`
	Slug string `csv:"slug"`

	// TotalSizeBytes is the size of the whole image file, partition
	// offset included.
	TotalSizeBytes int64 `csv:"total_size_bytes"`

	// StartLBA is the block offset of the partition within the image.
	StartLBA uint32 `csv:"start_lba"`

	// TotalInodes is the inode-table size to format with.
	TotalInodes uint32 `csv:"total_inodes"`

	Notes string `csv:"notes"`
}

// PartitionBlocks gives the number of 512-byte blocks inside the
// partition, i.e. what the formatter will see as the file system size.
func (p *ImageProfile) PartitionBlocks() int64 {
	return p.TotalSizeBytes/512 - int64(p.StartLBA)
}

var imageProfilesRawCSV = strings.TrimSpace(`
name,slug,total_size_bytes,start_lba,total_inodes,notes
Floppy-sized 4 MiB image,floppy-4m,4194304,2048,256,default fixture size used by the test suite
Small 16 MiB image,small-16m,16777216,2048,512,
Standard 64 MiB image,standard-64m,67108864,2048,1024,matches the bootable kernel's build image
`)

var imageProfiles = map[string]ImageProfile{}

// GetPredefinedImageProfile looks a profile up by slug.
func GetPredefinedImageProfile(slug string) (ImageProfile, error) {
	profile, ok := imageProfiles[slug]
	if ok {
		return profile, nil
	}

	err := fmt.Errorf("no predefined image profile exists with slug %q", slug)
	return ImageProfile{}, err
}

// Slugs returns every registered profile slug, sorted.
func Slugs() []string {
	slugs := make([]string, 0, len(imageProfiles))
	for slug := range imageProfiles {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

func init() {
	reader := strings.NewReader(imageProfilesRawCSV)
	err := gocsv.UnmarshalToCallback(
		reader,
		func(row ImageProfile) error {
			_, exists := imageProfiles[row.Slug]
			if exists {
				return fmt.Errorf(
					"duplicate definition for profile %q found on row %d",
					row.Slug,
					len(imageProfiles)+1,
				)
			}
			imageProfiles[row.Slug] = row
			return nil
		},
	)
	if err != nil && err != io.EOF {
		panic(err)
	}
}
