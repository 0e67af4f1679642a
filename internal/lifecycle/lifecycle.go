// Package lifecycle holds the declarative state machines for each document
// type. The tables are pure data; CanTransition is a lookup with no side
// effects. Handlers own the decision of which entry states an operation
// accepts; the tables answer only whether a transition edge exists.
package lifecycle

// Acta lifecycle state names, as stored on documents.
const (
	ActaRecibida            = "Recibida"
	ActaPendienteOTP        = "Pendiente Firma OTP"
	ActaPendienteBlockchain = "Pendiente Blockchain"
	ActaFirmada             = "Firmada"
	ActaFalloBlockchain     = "Fallo en Blockchain"
	ActaRechazada           = "Rechazada"
)

// Título lifecycle state names.
const (
	TituloRecibido              = "Recibido"
	TituloPendienteAprobacionUA = "Pendiente Aprobación UA"
	TituloAprobadoUA            = "Aprobado por UA"
	TituloPendienteAprobacionR  = "Pendiente Aprobación R"
	TituloAprobadoR             = "Aprobado por R"
	TituloPendienteFirmaSG      = "Pendiente Firma SG"
	TituloFirmadoSG             = "Firmado por SG"
	TituloEmitido               = "Título Emitido"
	TituloRechazado             = "Rechazado"

	// Blockchain legs are suspended pending the digital-signature rollout.
	// They stay in the table so callbacks received mid-migration still
	// resolve to known states.
	TituloPendienteBlockchain  = "Pendiente Blockchain"
	TituloRegistradoBlockchain = "Registrado en Blockchain"
)

// Machine is a transition table for one document type. A state mapping to an
// empty list is terminal; a state absent from the table is unknown.
type Machine struct {
	docType     string
	transitions map[string][]string
}

// DocType returns the document type this machine governs.
func (m *Machine) DocType() string { return m.docType }

// CanTransition reports whether the edge from → to exists in the table.
// Unknown from-states always return false. Self-loops are never allowed.
func (m *Machine) CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	for _, next := range m.transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Has reports whether name is a declared state of this machine.
func (m *Machine) Has(name string) bool {
	_, ok := m.transitions[name]
	return ok
}

// Terminal reports whether name is a declared state with no outgoing edges.
func (m *Machine) Terminal(name string) bool {
	next, ok := m.transitions[name]
	return ok && len(next) == 0
}

// States returns all declared state names.
func (m *Machine) States() []string {
	out := make([]string, 0, len(m.transitions))
	for s := range m.transitions {
		out = append(out, s)
	}
	return out
}

// Actas returns the acta state machine.
//
// Reactivation edges (Rechazada → Pendiente Firma OTP, Fallo en Blockchain →
// Pendiente Firma OTP) are administrative; regular flow is Recibida →
// Pendiente Firma OTP → Pendiente Blockchain → Firmada, with the blockchain
// callback resolving to Firmada or Fallo en Blockchain.
func Actas() *Machine {
	return &Machine{
		docType: "acta",
		transitions: map[string][]string{
			ActaRecibida:            {ActaPendienteOTP},
			ActaPendienteOTP:        {ActaPendienteBlockchain, ActaFirmada, ActaFalloBlockchain, ActaRechazada},
			ActaPendienteBlockchain: {ActaFirmada, ActaFalloBlockchain},
			ActaFalloBlockchain:     {ActaPendienteOTP, ActaPendienteBlockchain, ActaFirmada},
			ActaRechazada:           {ActaPendienteOTP},
			ActaFirmada:             {},
		},
	}
}

// Titulos returns the título state machine: a linear approval chain where any
// state before Firmado por SG may be rejected, and rejection is terminal.
func Titulos() *Machine {
	return &Machine{
		docType: "títulos",
		transitions: map[string][]string{
			TituloRecibido:              {TituloPendienteAprobacionUA, TituloRechazado},
			TituloPendienteAprobacionUA: {TituloAprobadoUA, TituloRechazado},
			TituloAprobadoUA:            {TituloPendienteAprobacionR, TituloRechazado},
			TituloPendienteAprobacionR:  {TituloAprobadoR, TituloRechazado},
			TituloAprobadoR:             {TituloPendienteFirmaSG, TituloRechazado},
			TituloPendienteFirmaSG:      {TituloFirmadoSG, TituloRechazado},
			TituloFirmadoSG:             {TituloEmitido},
			TituloEmitido:               {},
			TituloRechazado:             {},
			TituloPendienteBlockchain:   {TituloRegistradoBlockchain, TituloFirmadoSG},
			TituloRegistradoBlockchain:  {TituloEmitido},
		},
	}
}

// TituloEstadoCodigo maps título state names to the numeric codes the partner
// service expects. Rechazado is 99 by convention.
var TituloEstadoCodigo = map[string]int{
	TituloRecibido:              0,
	TituloPendienteAprobacionUA: 1,
	TituloAprobadoUA:            2,
	TituloPendienteAprobacionR:  3,
	TituloAprobadoR:             4,
	TituloPendienteFirmaSG:      5,
	TituloFirmadoSG:             6,
	TituloEmitido:               7,
	TituloRechazado:             99,
}
