package pipeline

import "bytes"

type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatWebP    Format = "webp"
	FormatBMP     Format = "bmp"
	FormatTIFF    Format = "tiff"
	FormatUnknown Format = "unknown"
)

var signatures = []struct {
	format Format
	offset int
	magic  []byte
}{
	{FormatJPEG, 0, []byte{0xFF, 0xD8, 0xFF}},
	{FormatPNG, 0, []byte("\x89PNG\r\n\x1a\n")},
	{FormatGIF, 0, []byte("GIF87a")},
	{FormatGIF, 0, []byte("GIF89a")},
	{FormatWebP, 8, []byte("WEBP")},
	{FormatBMP, 0, []byte("BM")},
	{FormatTIFF, 0, []byte("II*\x00")},
	{FormatTIFF, 0, []byte("MM\x00*")},
}

// SniffFormat identifies an encoded image by its leading bytes.
func SniffFormat(data []byte) Format {
	for _, sig := range signatures {
		end := sig.offset + len(sig.magic)
		if len(data) < end {
			continue
		}
		if sig.format == FormatWebP && !bytes.HasPrefix(data, []byte("RIFF")) {
			continue
		}
		if bytes.Equal(data[sig.offset:end], sig.magic) {
			return sig.format
		}
	}
	return FormatUnknown
}

// ContentType maps a format to its MIME type.
func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatGIF:
		return "image/gif"
	case FormatWebP:
		return "image/webp"
	case FormatBMP:
		return "image/bmp"
	case FormatTIFF:
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}

// Extension is the file suffix used when persisting an image.
func (f Format) Extension() string {
	switch f {
	case FormatJPEG:
		return "jpg"
	case FormatUnknown, "":
		return "bin"
	default:
		return string(f)
	}
}
