// Package signer stamps a signature block (QR image plus caption text) onto
// PDF documents. The workflow only depends on the PDFSigner interface; PDF
// rendering internals live behind it.
package signer

import "strings"

// QRInfo positions the QR image and its caption on the page. Coordinates and
// sizes are in points.
type QRInfo struct {
	Image   []byte
	Caption string
	X       int
	Y       int
	Width   int
	Height  int
}

// OTPInfo carries the signer-identity block added when a document is signed
// with a one-time passcode.
type OTPInfo struct {
	Mail      string
	IP        string
	Latitude  float64
	Longitude float64
	Accuracy  string
	UserAgent string
}

// PDFSigner embeds the signature block into a PDF and returns the signed
// bytes. otp may be nil for signatures without an OTP identity block.
type PDFSigner interface {
	Sign(input []byte, qr QRInfo, otp *OTPInfo) ([]byte, error)
}

// ObfuscateMail masks the first half of the local part so the signature
// caption never exposes the full address.
func ObfuscateMail(mail string) string {
	local, domain, ok := strings.Cut(mail, "@")
	if !ok {
		return mail
	}
	n := len(local) / 2
	return local[:n] + strings.Repeat("*", n) + "@" + domain
}
