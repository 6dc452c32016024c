package patch

import "os"

// writeImage implements spec section 4.6: lay out the (possibly
// extended) image in memory, apply every recorded patch, and write it to
// outPath with the input file's permission bits.
//
// Extension shifts everything at or after the MM's threshold by
// extend_size and zero-fills the gap; header patches were recorded at
// their pre-extension offsets and get shifted through ExtendedOffset,
// while inline patches (new string table bytes, a relocated dynamic tag
// array, a relocated program header table) already carry post-extension
// offsets and are written as-is.
func writeImage(img *Image, mm *MM, outPath string) error {
	out := layoutWithExtension(img, mm)

	for off, b := range img.HeaderPatches {
		pos := mm.ExtendedOffset(off)
		copy(out[pos:], b)
	}
	for off, b := range img.InlinePatches {
		copy(out[off:], b)
	}

	perm := os.FileMode(0o755)
	if fi, err := os.Stat(img.Path); err == nil {
		perm = fi.Mode().Perm()
	}

	if err := os.WriteFile(outPath, out, perm); err != nil {
		return err
	}
	return os.Chmod(outPath, perm)
}

func layoutWithExtension(img *Image, mm *MM) []byte {
	if !mm.Extended() {
		out := make([]byte, len(img.Contents))
		copy(out, img.Contents)
		return out
	}

	threshold := mm.Threshold()
	extendSize := mm.ExtendSize()
	out := make([]byte, uint64(len(img.Contents))+extendSize)
	copy(out, img.Contents[:threshold])
	// out[threshold:threshold+extendSize] is the newly allocated region,
	// left zero-filled until the inline patches below fill it in.
	copy(out[threshold+extendSize:], img.Contents[threshold:])
	return out
}
