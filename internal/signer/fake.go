package signer

// Fake records the last signature request and returns fixed output.
type Fake struct {
	Output  []byte
	Err     error
	LastQR  QRInfo
	LastOTP *OTPInfo
	Calls   int
}

func NewFake() *Fake {
	return &Fake{Output: []byte("%PDF-1.4 signed")}
}

func (f *Fake) Sign(_ []byte, qr QRInfo, otp *OTPInfo) ([]byte, error) {
	f.Calls++
	f.LastQR = qr
	f.LastOTP = otp
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Output, nil
}

var _ PDFSigner = (*Fake)(nil)
