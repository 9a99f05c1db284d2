package ml

// DType is the numeric precision used for cache storage. Compute always
// happens in float32; narrower types are converted at the cache boundary.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	default:
		return "Other"
	}
}
