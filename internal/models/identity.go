package models

// Identity pairs a normalized raw identifier (phone, email, or IP) with its
// peppered hash. Store keys and block lookups use the hash; the raw value is
// only ever persisted in encrypted form.
type Identity struct {
	Raw  string
	Hash string
}
