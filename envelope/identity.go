package envelope

import "errors"

// Identity carries one device's addressing and private key material for
// envelope operations. Sealing uses both keys; opening only needs the
// agreement key.
type Identity struct {
	UserID           string
	DeviceID         string
	KeyVersion       uint32
	SigningSeed      [32]byte
	AgreementPrivate [32]byte
}

func (id Identity) validate() error {
	if id.UserID == "" || id.DeviceID == "" {
		return errors.New("identity missing user or device ID")
	}
	return nil
}
