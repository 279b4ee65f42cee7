package dicomtags

import (
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Category groups catalog entries in the metadata record.
type Category string

const (
	CategorySubject     Category = "subject"
	CategoryAcquisition Category = "acquisition"
	CategoryEquipment   Category = "equipment"
	CategoryExposure    Category = "exposure"
	CategoryLocation    Category = "location"
)

// Categories returns every category in metadata order.
func Categories() []Category {
	return []Category{CategorySubject, CategoryAcquisition, CategoryEquipment, CategoryExposure, CategoryLocation}
}

// Entry maps a human-readable tag name to its DICOM tag.
type Entry struct {
	Name     string
	Tag      tag.Tag
	Category Category
}

var catalog = []Entry{
	{"subject identifier", tag.Tag{Group: 0x0010, Element: 0x0020}, CategorySubject},
	{"subject name", tag.Tag{Group: 0x0010, Element: 0x0010}, CategorySubject},
	{"subject birth date", tag.Tag{Group: 0x0010, Element: 0x0030}, CategorySubject},
	{"subject sex", tag.Tag{Group: 0x0010, Element: 0x0040}, CategorySubject},
	{"subject age", tag.Tag{Group: 0x0010, Element: 0x1010}, CategorySubject},
	{"subject weight", tag.Tag{Group: 0x0010, Element: 0x1030}, CategorySubject},

	{"study date", tag.Tag{Group: 0x0008, Element: 0x0020}, CategoryAcquisition},
	{"study time", tag.Tag{Group: 0x0008, Element: 0x0030}, CategoryAcquisition},
	{"modality", tag.Tag{Group: 0x0008, Element: 0x0060}, CategoryAcquisition},
	{"study description", tag.Tag{Group: 0x0008, Element: 0x1030}, CategoryAcquisition},
	{"study instance uid", tag.Tag{Group: 0x0020, Element: 0x000D}, CategoryAcquisition},
	{"accession number", tag.Tag{Group: 0x0008, Element: 0x0050}, CategoryAcquisition},
	{"study id", tag.Tag{Group: 0x0020, Element: 0x0010}, CategoryAcquisition},
	{"series description", tag.Tag{Group: 0x0008, Element: 0x103E}, CategoryAcquisition},
	{"series instance uid", tag.Tag{Group: 0x0020, Element: 0x000E}, CategoryAcquisition},
	{"body part examined", tag.Tag{Group: 0x0018, Element: 0x0015}, CategoryAcquisition},

	{"manufacturer", tag.Tag{Group: 0x0008, Element: 0x0070}, CategoryEquipment},
	{"manufacturer model", tag.Tag{Group: 0x0008, Element: 0x1090}, CategoryEquipment},
	{"station name", tag.Tag{Group: 0x0008, Element: 0x1010}, CategoryEquipment},
	{"software versions", tag.Tag{Group: 0x0018, Element: 0x1020}, CategoryEquipment},
	{"device serial number", tag.Tag{Group: 0x0018, Element: 0x1000}, CategoryEquipment},

	{"kvp", tag.Tag{Group: 0x0018, Element: 0x0060}, CategoryExposure},
	{"exposure time", tag.Tag{Group: 0x0018, Element: 0x1150}, CategoryExposure},
	{"tube current", tag.Tag{Group: 0x0018, Element: 0x1151}, CategoryExposure},
	{"exposure", tag.Tag{Group: 0x0018, Element: 0x1152}, CategoryExposure},
	{"repetition time", tag.Tag{Group: 0x0018, Element: 0x0080}, CategoryExposure},
	{"echo time", tag.Tag{Group: 0x0018, Element: 0x0081}, CategoryExposure},

	{"institution name", tag.Tag{Group: 0x0008, Element: 0x0080}, CategoryLocation},
	{"institution address", tag.Tag{Group: 0x0008, Element: 0x0081}, CategoryLocation},
	{"department", tag.Tag{Group: 0x0008, Element: 0x1040}, CategoryLocation},
	{"referring physician", tag.Tag{Group: 0x0008, Element: 0x0090}, CategoryLocation},
	{"performing physician", tag.Tag{Group: 0x0008, Element: 0x1050}, CategoryLocation},
	{"reading physician", tag.Tag{Group: 0x0008, Element: 0x1060}, CategoryLocation},
}

var catalogByName = func() map[string]Entry {
	out := make(map[string]Entry, len(catalog))
	for _, entry := range catalog {
		out[entry.Name] = entry
	}
	return out
}()

// Catalog returns a copy of every known entry.
func Catalog() []Entry {
	out := make([]Entry, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup finds an entry by name, ignoring case and surrounding whitespace.
func Lookup(name string) (Entry, bool) {
	entry, ok := catalogByName[NormalizeName(name)]
	return entry, ok
}

// NormalizeName lowercases name and collapses internal whitespace.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
