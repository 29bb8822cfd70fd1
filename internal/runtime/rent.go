package runtime

// Rent is the storage-rent policy of the host ledger.
type Rent struct {
	LamportsPerByteYear uint64
	ExemptionYears      float64
	StorageOverhead     uint64 // bytes charged per account on top of its data
}

// DefaultRent matches the cluster defaults.
var DefaultRent = Rent{
	LamportsPerByteYear: 3480,
	ExemptionYears:      2.0,
	StorageOverhead:     128,
}

// MinimumBalance returns the balance an account of dataLen bytes needs to
// be exempt from rent.
func (r Rent) MinimumBalance(dataLen int) uint64 {
	bytes := r.StorageOverhead + uint64(dataLen)
	return uint64(float64(bytes*r.LamportsPerByteYear) * r.ExemptionYears)
}

func (r Rent) IsExempt(lamports uint64, dataLen int) bool {
	return lamports >= r.MinimumBalance(dataLen)
}
