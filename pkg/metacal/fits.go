package metacal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

const (
	fitsBlock  = 2880
	fitsRecord = 80
)

// PSFExtName is the extension holding the native PSFs of a batch file.
const PSFExtName = "PSF"

// FitsMetadata holds parsed FITS header key-value pairs.
type FitsMetadata struct {
	Headers map[string]string
}

// NewFitsMetadata creates an empty FitsMetadata.
func NewFitsMetadata() *FitsMetadata {
	return &FitsMetadata{Headers: make(map[string]string)}
}

func (m *FitsMetadata) GetString(key string) string {
	if v, ok := m.Headers[strings.ToUpper(key)]; ok {
		return v
	}
	return ""
}

func (m *FitsMetadata) GetDouble(key string) (float64, bool) {
	v, ok := m.Headers[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

func (m *FitsMetadata) GetInt(key string) (int, bool) {
	v, ok := m.Headers[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return i, true
}

// Set stores a header value. Numbers and booleans are written unquoted.
func (m *FitsMetadata) Set(key string, value interface{}) {
	var s string
	switch v := value.(type) {
	case bool:
		s = "False"
		if v {
			s = "True"
		}
	case float64:
		s = strconv.FormatFloat(v, 'G', -1, 64)
	case int:
		s = strconv.Itoa(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	default:
		s = fmt.Sprint(v)
	}
	m.Headers[strings.ToUpper(key)] = s
}

func (m *FitsMetadata) ExtName() string { return m.GetString("EXTNAME") }
func (m *FitsMetadata) ObjectName() string { return m.GetString("OBJECT") }

// FitsHDU is one header-data unit with its pixels converted to physical
// float64 values. Axes are in FITS order: Axes[0] is NAXIS1.
type FitsHDU struct {
	Metadata *FitsMetadata
	Axes     []int
	Data     []float64
}

// Name returns the EXTNAME of the unit.
func (h *FitsHDU) Name() string { return h.Metadata.ExtName() }

// NewImageHDU stacks same-shaped images into a 2D, 3D (batch) or 4D
// (channels, batch) unit named name.
func NewImageHDU(name string, images ...*Image) (*FitsHDU, error) {
	if len(images) == 0 || images[0].Empty() {
		return nil, preconditionf("no images for HDU %q", name)
	}
	ref := images[0]
	data := make([]float64, 0, len(images)*len(ref.Pix))
	for i, img := range images {
		if !img.SameShape(ref) {
			return nil, preconditionf("image %d shape differs in HDU %q", i, name)
		}
		data = append(data, img.Pix...)
	}
	axes := []int{ref.Width, ref.Height}
	switch {
	case ref.Channels > 1:
		axes = append(axes, ref.Channels, len(images))
	case len(images) > 1:
		axes = append(axes, len(images))
	}
	h := &FitsHDU{Metadata: NewFitsMetadata(), Axes: axes, Data: data}
	if name != "" {
		h.Metadata.Set("EXTNAME", name)
	}
	return h, nil
}

// NewArrayHDU wraps a raw array with the given FITS axes.
func NewArrayHDU(name string, data []float64, axes ...int) *FitsHDU {
	h := &FitsHDU{Metadata: NewFitsMetadata(), Axes: axes, Data: data}
	if name != "" {
		h.Metadata.Set("EXTNAME", name)
	}
	return h
}

// Images splits the unit into stamps: NAXIS3 is the batch axis of a cube,
// and a 4D unit carries channels on NAXIS3 and the batch on NAXIS4.
func (h *FitsHDU) Images() ([]*Image, error) {
	if len(h.Axes) < 2 || len(h.Axes) > 4 {
		return nil, fmt.Errorf("HDU %q: cannot read NAXIS=%d as images", h.Name(), len(h.Axes))
	}
	w, hh := h.Axes[0], h.Axes[1]
	channels, count := 1, 1
	switch len(h.Axes) {
	case 3:
		count = h.Axes[2]
	case 4:
		channels, count = h.Axes[2], h.Axes[3]
	}
	per := w * hh * channels
	if per*count != len(h.Data) {
		return nil, fmt.Errorf("HDU %q: %d values for axes %v", h.Name(), len(h.Data), h.Axes)
	}
	out := make([]*Image, count)
	for i := range out {
		img := NewImageChannels(w, hh, channels)
		copy(img.Pix, h.Data[i*per:(i+1)*per])
		out[i] = img
	}
	return out, nil
}

// FitsFile is a parsed FITS file: the primary unit followed by image
// extensions. Non-image extensions are skipped.
type FitsFile struct {
	HDUs []*FitsHDU
}

// Primary returns the first unit.
func (f *FitsFile) Primary() *FitsHDU {
	if len(f.HDUs) == 0 {
		return nil
	}
	return f.HDUs[0]
}

// HDU returns the unit with the given EXTNAME, or nil.
func (f *FitsFile) HDU(name string) *FitsHDU {
	for _, h := range f.HDUs {
		if strings.EqualFold(h.Name(), name) {
			return h
		}
	}
	return nil
}

// ReadFits reads every image unit of a FITS file.
func ReadFits(filePath string) (*FitsFile, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()
	return readFitsFromReader(bufio.NewReader(f))
}

// ReadFitsFromBytes reads every image unit from a byte slice.
func ReadFitsFromBytes(data []byte) (*FitsFile, error) {
	return readFitsFromReader(bytes.NewReader(data))
}

type fitsHeader struct {
	metadata *FitsMetadata
	xtension string
	bitpix   int
	axes     []int
	bzero    float64
	bscale   float64
	pcount   int
	gcount   int
}

// maxFitsDataBytes caps the data size a header may declare.
const maxFitsDataBytes = 1 << 32

// dataBytes returns the size of the data unit that follows the header,
// rejecting sizes that are negative, overflow or exceed maxFitsDataBytes.
func (h *fitsHeader) dataBytes() (int64, error) {
	if len(h.axes) == 0 {
		return 0, nil
	}
	var bytesPer int64
	switch h.bitpix {
	case 8, 16, 32, 64, -32, -64:
		bytesPer = int64(h.bitpix / 8)
		if bytesPer < 0 {
			bytesPer = -bytesPer
		}
	default:
		return 0, fmt.Errorf("invalid FITS: BITPIX %d", h.bitpix)
	}
	if h.pcount < 0 || h.gcount < 0 {
		return 0, fmt.Errorf("invalid FITS: PCOUNT %d, GCOUNT %d", h.pcount, h.gcount)
	}
	limit := int64(maxFitsDataBytes) / bytesPer
	n := int64(1)
	for i, a := range h.axes {
		if a < 0 {
			return 0, fmt.Errorf("invalid FITS: NAXIS%d = %d", i+1, a)
		}
		if a > 0 && n > limit/int64(a) {
			return 0, fmt.Errorf("invalid FITS: data unit exceeds %d bytes", int64(maxFitsDataBytes))
		}
		n *= int64(a)
	}
	n += int64(h.pcount)
	if h.gcount > 0 && n > limit/int64(h.gcount) {
		return 0, fmt.Errorf("invalid FITS: data unit exceeds %d bytes", int64(maxFitsDataBytes))
	}
	return bytesPer * int64(h.gcount) * n, nil
}

func readFitsFromReader(r io.Reader) (*FitsFile, error) {
	file := &FitsFile{}
	for idx := 0; ; idx++ {
		hdr, err := readFitsHeader(r)
		if errors.Is(err, io.EOF) && idx > 0 {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("HDU %d: %w", idx, err)
		}
		size, err := hdr.dataBytes()
		if err != nil {
			return nil, fmt.Errorf("HDU %d: %w", idx, err)
		}
		padded := (size + fitsBlock - 1) / fitsBlock * fitsBlock
		if lr, ok := r.(interface{ Len() int }); ok && int64(lr.Len()) < padded {
			return nil, fmt.Errorf("HDU %d: data unit of %d bytes, only %d left", idx, padded, lr.Len())
		}

		if idx > 0 && hdr.xtension != "IMAGE" {
			if _, err := io.CopyN(io.Discard, r, padded); err != nil {
				return nil, fmt.Errorf("HDU %d: skipping %s extension: %w", idx, hdr.xtension, err)
			}
			continue
		}

		raw := make([]byte, padded)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("HDU %d: reading pixel data: %w", idx, err)
		}
		data, err := decodeFitsPixels(raw[:size], hdr.bitpix, hdr.bscale, hdr.bzero)
		if err != nil {
			return nil, fmt.Errorf("HDU %d: %w", idx, err)
		}
		file.HDUs = append(file.HDUs, &FitsHDU{Metadata: hdr.metadata, Axes: hdr.axes, Data: data})
	}
	return file, nil
}

func readFitsHeader(r io.Reader) (*fitsHeader, error) {
	hdr := &fitsHeader{metadata: NewFitsMetadata(), bscale: 1, gcount: 1}
	naxis := -1
	naxisN := map[int]int{}

	block := make([]byte, fitsBlock)
	first := true
	for done := false; !done; {
		if _, err := io.ReadFull(r, block); err != nil {
			if first && (errors.Is(err, io.EOF) || allZero(block)) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("reading FITS header record: %w", err)
		}
		if first && allZero(block) {
			return nil, io.EOF
		}
		first = false

		for i := 0; i < fitsBlock/fitsRecord; i++ {
			record := string(block[i*fitsRecord : (i+1)*fitsRecord])
			keyword := strings.TrimSpace(record[:8])
			if keyword == "END" {
				done = true
				break
			}
			if record[8] != '=' || record[9] != ' ' {
				continue
			}
			rawValue := strings.TrimSpace(splitFitsComment(record[10:]))
			parsedValue := parseFitsValue(rawValue)
			if keyword != "" && parsedValue != "" {
				hdr.metadata.Headers[strings.ToUpper(keyword)] = parsedValue
			}

			switch {
			case keyword == "XTENSION":
				hdr.xtension = strings.TrimSpace(parsedValue)
			case keyword == "BITPIX":
				hdr.bitpix, _ = strconv.Atoi(rawValue)
			case keyword == "NAXIS":
				naxis, _ = strconv.Atoi(rawValue)
			case strings.HasPrefix(keyword, "NAXIS"):
				if axis, err := strconv.Atoi(keyword[5:]); err == nil {
					naxisN[axis], _ = strconv.Atoi(rawValue)
				}
			case keyword == "BZERO":
				hdr.bzero, _ = strconv.ParseFloat(rawValue, 64)
			case keyword == "BSCALE":
				hdr.bscale, _ = strconv.ParseFloat(rawValue, 64)
			case keyword == "PCOUNT":
				hdr.pcount, _ = strconv.Atoi(rawValue)
			case keyword == "GCOUNT":
				hdr.gcount, _ = strconv.Atoi(rawValue)
			}
		}
	}

	if naxis < 0 {
		return nil, fmt.Errorf("invalid FITS: missing NAXIS")
	}
	for axis := 1; axis <= naxis; axis++ {
		n, ok := naxisN[axis]
		if !ok || n < 0 {
			return nil, fmt.Errorf("invalid FITS: NAXIS%d missing", axis)
		}
		hdr.axes = append(hdr.axes, n)
	}
	return hdr, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// splitFitsComment cuts a card value at the first '/' outside quotes.
func splitFitsComment(s string) string {
	inQuote := false
	for i, c := range s {
		switch c {
		case '\'':
			inQuote = !inQuote
		case '/':
			if !inQuote {
				return s[:i]
			}
		}
	}
	return s
}

func decodeFitsPixels(raw []byte, bitpix int, bscale, bzero float64) ([]float64, error) {
	var n int
	switch bitpix {
	case 8:
		n = len(raw)
	case 16:
		n = len(raw) / 2
	case 32, -32:
		n = len(raw) / 4
	case -64:
		n = len(raw) / 8
	default:
		return nil, fmt.Errorf("unsupported BITPIX: %d", bitpix)
	}

	out := make([]float64, n)
	for i := range out {
		var v float64
		switch bitpix {
		case 8:
			v = float64(raw[i])
		case 16:
			v = float64(int16(binary.BigEndian.Uint16(raw[i*2:])))
		case 32:
			v = float64(int32(binary.BigEndian.Uint32(raw[i*4:])))
		case -32:
			v = float64(math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:])))
		case -64:
			v = math.Float64frombits(binary.BigEndian.Uint64(raw[i*8:]))
		}
		out[i] = v*bscale + bzero
	}
	return out, nil
}

func parseFitsValue(rawValue string) string {
	if rawValue == "" {
		return ""
	}
	if rawValue == "T" {
		return "True"
	}
	if rawValue == "F" {
		return "False"
	}
	if strings.HasPrefix(rawValue, "'") {
		endQuote := strings.LastIndex(rawValue, "'")
		if endQuote > 0 {
			return strings.TrimRight(strings.ReplaceAll(rawValue[1:endQuote], "''", "'"), " ")
		}
		return strings.TrimLeft(strings.TrimRight(rawValue, " "), "'")
	}
	return rawValue
}

// structural keywords are emitted by the writer itself.
var structuralKeys = map[string]bool{
	"SIMPLE": true, "XTENSION": true, "BITPIX": true, "NAXIS": true,
	"EXTEND": true, "PCOUNT": true, "GCOUNT": true, "BZERO": true, "BSCALE": true,
	"EXTNAME": true,
}

// WriteFits writes units as float64 (BITPIX -64) HDUs. The first unit is
// the primary; the rest become IMAGE extensions.
func WriteFits(filePath string, hdus ...*FitsHDU) error {
	f, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("creating FITS file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := EncodeFits(w, hdus...); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing FITS file: %w", err)
	}
	return f.Close()
}

// EncodeFits serializes units to w.
func EncodeFits(w io.Writer, hdus ...*FitsHDU) error {
	if len(hdus) == 0 {
		return preconditionf("no HDUs to write")
	}
	for i, h := range hdus {
		if err := encodeFitsHDU(w, h, i == 0); err != nil {
			return fmt.Errorf("HDU %d: %w", i, err)
		}
	}
	return nil
}

func encodeFitsHDU(w io.Writer, h *FitsHDU, primary bool) error {
	n := 0
	if len(h.Axes) > 0 {
		n = 1
		for _, a := range h.Axes {
			n *= a
		}
	}
	if n != len(h.Data) {
		return fmt.Errorf("%d values for axes %v", len(h.Data), h.Axes)
	}

	var hdr bytes.Buffer
	if primary {
		hdr.WriteString(fitsCard("SIMPLE", "T"))
	} else {
		hdr.WriteString(fitsCard("XTENSION", fitsString("IMAGE")))
	}
	hdr.WriteString(fitsCard("BITPIX", "-64"))
	hdr.WriteString(fitsCard("NAXIS", strconv.Itoa(len(h.Axes))))
	for i, a := range h.Axes {
		hdr.WriteString(fitsCard(fmt.Sprintf("NAXIS%d", i+1), strconv.Itoa(a)))
	}
	if primary {
		hdr.WriteString(fitsCard("EXTEND", "T"))
	} else {
		hdr.WriteString(fitsCard("PCOUNT", "0"))
		hdr.WriteString(fitsCard("GCOUNT", "1"))
	}
	if h.Metadata != nil {
		if name := h.Metadata.ExtName(); name != "" {
			hdr.WriteString(fitsCard("EXTNAME", fitsString(name)))
		}
		keys := make([]string, 0, len(h.Metadata.Headers))
		for k := range h.Metadata.Headers {
			if !structuralKeys[k] && !strings.HasPrefix(k, "NAXIS") && len(k) <= 8 {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			hdr.WriteString(fitsCard(k, formatFitsValue(h.Metadata.Headers[k])))
		}
	}
	hdr.WriteString(fmt.Sprintf("%-80s", "END"))
	for hdr.Len()%fitsBlock != 0 {
		hdr.WriteByte(' ')
	}
	if _, err := w.Write(hdr.Bytes()); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	raw := make([]byte, (n*8+fitsBlock-1)/fitsBlock*fitsBlock)
	for i, v := range h.Data {
		binary.BigEndian.PutUint64(raw[i*8:], math.Float64bits(v))
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("writing pixel data: %w", err)
	}
	return nil
}

func fitsCard(key, value string) string {
	card := fmt.Sprintf("%-8s= %20s", key, value)
	if strings.HasPrefix(value, "'") {
		card = fmt.Sprintf("%-8s= %-20s", key, value)
	}
	if len(card) > fitsRecord {
		card = card[:fitsRecord]
	}
	return fmt.Sprintf("%-80s", card)
}

func fitsString(s string) string {
	s = strings.ReplaceAll(s, "'", "''")
	if len(s) < 8 {
		s = fmt.Sprintf("%-8s", s)
	}
	return "'" + s + "'"
}

func formatFitsValue(v string) string {
	switch v {
	case "True":
		return "T"
	case "False":
		return "F"
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return v
	}
	return fitsString(v)
}

// LoadBatch reads a batch file: the primary unit holds the galaxy stamps
// and an optional PSF extension holds one native PSF per galaxy (or a
// single PSF shared by all of them).
func LoadBatch(filePath string) (Batch, error) {
	f, err := ReadFits(filePath)
	if err != nil {
		return Batch{}, err
	}
	return BatchFromFits(f)
}

// BatchFromFits extracts a batch from an already parsed file.
func BatchFromFits(f *FitsFile) (Batch, error) {
	primary := f.Primary()
	if primary == nil || len(primary.Axes) == 0 {
		return Batch{}, fmt.Errorf("primary HDU has no galaxy data")
	}
	gal, err := primary.Images()
	if err != nil {
		return Batch{}, fmt.Errorf("reading galaxies: %w", err)
	}
	batch := Batch{Gal: gal}
	if h := f.HDU(PSFExtName); h != nil {
		psf, err := h.Images()
		if err != nil {
			return Batch{}, fmt.Errorf("reading psfs: %w", err)
		}
		if len(psf) == 1 && len(gal) > 1 {
			for len(psf) < len(gal) {
				psf = append(psf, psf[0])
			}
		}
		batch.PSF = psf
	}
	return batch, batch.Validate()
}

// SaveBatch writes a batch in the layout LoadBatch reads.
func SaveBatch(filePath string, batch Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	gal, err := NewImageHDU("", batch.Gal...)
	if err != nil {
		return err
	}
	hdus := []*FitsHDU{gal}
	if batch.PSF != nil {
		psf, err := NewImageHDU(PSFExtName, batch.PSF...)
		if err != nil {
			return err
		}
		hdus = append(hdus, psf)
	}
	return WriteFits(filePath, hdus...)
}

// LoadImage reads the first stamp of the primary unit.
func LoadImage(filePath string) (*Image, error) {
	f, err := ReadFits(filePath)
	if err != nil {
		return nil, err
	}
	primary := f.Primary()
	if primary == nil {
		return nil, fmt.Errorf("%s: no primary HDU", filePath)
	}
	images, err := primary.Images()
	if err != nil {
		return nil, err
	}
	return images[0], nil
}
