package metacal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"
)

func TestBatchFitsRoundTrip(t *testing.T) {
	batch := stampBatch(3, 17)
	batch.Gal[1].Set(3, 4, -0.25)
	path := filepath.Join(t.TempDir(), "batch.fits")
	if err := SaveBatch(path, batch); err != nil {
		t.Fatal(err)
	}
	got, err := LoadBatch(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Size() != 3 || len(got.PSF) != 3 {
		t.Fatalf("loaded %d galaxies and %d psfs, want 3 and 3", got.Size(), len(got.PSF))
	}
	for i := range batch.Gal {
		if d := got.Gal[i].MaxAbsDiff(batch.Gal[i]); d != 0 {
			t.Errorf("galaxy %d differs by %g", i, d)
		}
		if d := got.PSF[i].MaxAbsDiff(batch.PSF[i]); d != 0 {
			t.Errorf("psf %d differs by %g", i, d)
		}
	}
}

func TestBatchFromFitsSharesSinglePSF(t *testing.T) {
	gal, err := NewImageHDU("", GaussianImage(9, 9, 1, Shear{}), GaussianImage(9, 9, 2, Shear{}))
	if err != nil {
		t.Fatal(err)
	}
	psf, err := NewImageHDU(PSFExtName, GaussianImage(9, 9, 1, Shear{}))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := EncodeFits(&buf, gal, psf); err != nil {
		t.Fatal(err)
	}
	if buf.Len()%fitsBlock != 0 {
		t.Errorf("encoded size %d is not a multiple of %d", buf.Len(), fitsBlock)
	}
	f, err := ReadFitsFromBytes(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	batch, err := BatchFromFits(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.PSF) != 2 || batch.PSF[1] != batch.PSF[0] {
		t.Errorf("single psf not shared across the batch: %d psfs", len(batch.PSF))
	}
}

func TestMultiChannelHDU(t *testing.T) {
	a := NewImageChannels(4, 3, 2)
	b := NewImageChannels(4, 3, 2)
	for i := range a.Pix {
		a.Pix[i] = float64(i)
		b.Pix[i] = float64(-i)
	}
	h, err := NewImageHDU("STAMPS", a, b)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(h.Axes) != "[4 3 2 2]" {
		t.Fatalf("axes = %v, want [4 3 2 2]", h.Axes)
	}
	images, err := h.Images()
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 2 || images[1].Channels != 2 || images[1].Pix[5] != -5 {
		t.Errorf("unexpected images %v", images)
	}
}

func TestFitsHeaderMetadata(t *testing.T) {
	h := NewArrayHDU("", []float64{1, 2, 3}, 3)
	h.Metadata.Set("OBJECT", "NGC 253")
	h.Metadata.Set("GAIN", 1.5)
	h.Metadata.Set("NCOMBINE", 12)
	h.Metadata.Set("FLIPPED", true)
	ext := NewArrayHDU("it's/named", []float64{4}, 1)

	var buf bytes.Buffer
	if err := EncodeFits(&buf, h, ext); err != nil {
		t.Fatal(err)
	}
	f, err := ReadFitsFromBytes(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	meta := f.Primary().Metadata
	if meta.ObjectName() != "NGC 253" {
		t.Errorf("OBJECT = %q", meta.ObjectName())
	}
	if v, ok := meta.GetDouble("gain"); !ok || v != 1.5 {
		t.Errorf("GAIN = %g, %t", v, ok)
	}
	if v, ok := meta.GetInt("NCOMBINE"); !ok || v != 12 {
		t.Errorf("NCOMBINE = %d, %t", v, ok)
	}
	if meta.GetString("FLIPPED") != "True" {
		t.Errorf("FLIPPED = %q", meta.GetString("FLIPPED"))
	}
	named := f.HDU("it's/named")
	if named == nil || len(named.Data) != 1 || named.Data[0] != 4 {
		t.Errorf("extension lookup failed: %+v", named)
	}
}

// fitsHeaderBlock builds a header from cards, padded to a full block.
func fitsHeaderBlock(cards ...string) []byte {
	var b bytes.Buffer
	for _, c := range cards {
		b.WriteString(fmt.Sprintf("%-80s", c))
	}
	b.WriteString(fmt.Sprintf("%-80s", "END"))
	for b.Len()%fitsBlock != 0 {
		b.WriteByte(' ')
	}
	return b.Bytes()
}

func TestReadFitsIntegerPixelsWithScaling(t *testing.T) {
	data := fitsHeaderBlock(
		"SIMPLE  =                    T",
		"BITPIX  =                   16",
		"NAXIS   =                    2",
		"NAXIS1  =                    2",
		"NAXIS2  =                    2",
		"BZERO   =                32768 / unsigned offset",
		"BSCALE  =                    1",
	)
	raw := make([]byte, fitsBlock)
	for i, v := range []int16{-32768, 0, 1, 32767} {
		binary.BigEndian.PutUint16(raw[i*2:], uint16(v))
	}
	f, err := ReadFitsFromBytes(append(data, raw...))
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 32768, 32769, 65535}
	for i, v := range f.Primary().Data {
		if v != want[i] {
			t.Errorf("pixel %d = %g, want %g", i, v, want[i])
		}
	}
}

func TestReadFitsSkipsTableExtensions(t *testing.T) {
	primary := fitsHeaderBlock("SIMPLE  =                    T", "BITPIX  =                    8", "NAXIS   =                    0")
	table := fitsHeaderBlock(
		"XTENSION= 'BINTABLE'",
		"BITPIX  =                    8",
		"NAXIS   =                    2",
		"NAXIS1  =                   10",
		"NAXIS2  =                    3",
		"PCOUNT  =                    0",
		"GCOUNT  =                    1",
	)
	tableData := make([]byte, fitsBlock)
	img, err := NewImageHDU("IMG", NewImage(2, 2))
	if err != nil {
		t.Fatal(err)
	}
	var tail bytes.Buffer
	if err := encodeFitsHDU(&tail, img, false); err != nil {
		t.Fatal(err)
	}
	stream := append(append(append(primary, table...), tableData...), tail.Bytes()...)
	f, err := ReadFitsFromBytes(stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.HDUs) != 2 || f.HDU("IMG") == nil {
		t.Errorf("got %d HDUs, want the primary and IMG", len(f.HDUs))
	}
}

func TestReadFitsRejectsGarbage(t *testing.T) {
	if _, err := ReadFitsFromBytes([]byte(strings.Repeat("x", fitsBlock))); err == nil {
		t.Error("garbage accepted as FITS")
	}
	if _, err := ReadFitsFromBytes(nil); err == nil {
		t.Error("empty input accepted as FITS")
	}
}

func TestDecodeFitsFloat32(t *testing.T) {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint32(raw, math.Float32bits(1.5))
	binary.BigEndian.PutUint32(raw[4:], math.Float32bits(-2))
	got, err := decodeFitsPixels(raw, -32, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 4 || got[1] != -3 {
		t.Errorf("decoded %v, want [4 -3]", got)
	}
	if _, err := decodeFitsPixels(raw, 64, 1, 0); err == nil {
		t.Error("BITPIX 64 accepted")
	}
}

func TestReadFitsRejectsBadDataSizes(t *testing.T) {
	tests := []struct {
		name  string
		cards []string
	}{
		{"huge axes", []string{"NAXIS   =                    2", "NAXIS1  =          99999999999", "NAXIS2  =          99999999999"}},
		{"overflowing product", []string{"NAXIS   =                    3", "NAXIS1  =           4294967296", "NAXIS2  =           4294967296", "NAXIS3  =           4294967296"}},
		{"negative axis", []string{"NAXIS   =                    1", "NAXIS1  =                   -5"}},
		{"larger than the input", []string{"NAXIS   =                    2", "NAXIS1  =                 1000", "NAXIS2  =                 1000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cards := append([]string{"SIMPLE  =                    T", "BITPIX  =                  -32"}, tt.cards...)
			data := append(fitsHeaderBlock(cards...), make([]byte, fitsBlock)...)
			if _, err := ReadFitsFromBytes(data); err == nil {
				t.Error("header accepted")
			}
		})
	}

	bad := fitsHeaderBlock("SIMPLE  =                    T", "BITPIX  =                   12", "NAXIS   =                    1", "NAXIS1  =                    4")
	if _, err := ReadFitsFromBytes(append(bad, make([]byte, fitsBlock)...)); err == nil {
		t.Error("BITPIX 12 accepted")
	}
}
