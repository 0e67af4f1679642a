package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoSelfLoops(t *testing.T) {
	for _, m := range []*Machine{Actas(), Titulos()} {
		for _, s := range m.States() {
			require.False(t, m.CanTransition(s, s), "%s: self-loop on %q", m.DocType(), s)
		}
	}
}

func TestUnknownFromStateIsRejected(t *testing.T) {
	m := Actas()
	require.False(t, m.CanTransition("No Such State", ActaFirmada))
	require.False(t, m.CanTransition("", ActaPendienteOTP))
}

func TestTablesAreExhaustive(t *testing.T) {
	// Every non-terminal state maps to a non-empty next-state list, and
	// every listed next state is itself declared.
	for _, m := range []*Machine{Actas(), Titulos()} {
		for _, s := range m.States() {
			for _, next := range m.transitions[s] {
				require.True(t, m.Has(next), "%s: %q points at undeclared state %q", m.DocType(), s, next)
			}
		}
	}
}

// Every state reachable from the initial state must reach a terminal state in
// a bounded number of hops. The Rechazada ⇄ Pendiente Firma OTP and Fallo en
// Blockchain ⇄ Pendiente Firma OTP reactivation loops are the only cycles.
func TestEveryStateReachesTerminal(t *testing.T) {
	cases := []struct {
		machine *Machine
		initial string
	}{
		{Actas(), ActaRecibida},
		{Titulos(), TituloRecibido},
	}
	for _, tc := range cases {
		m := tc.machine

		reachable := map[string]bool{tc.initial: true}
		frontier := []string{tc.initial}
		for len(frontier) > 0 {
			s := frontier[0]
			frontier = frontier[1:]
			for _, next := range m.transitions[s] {
				if !reachable[next] {
					reachable[next] = true
					frontier = append(frontier, next)
				}
			}
		}

		// Backward BFS from terminal states: everything reachable forward
		// must also reach a terminal.
		reachesTerminal := map[string]bool{}
		for _, s := range m.States() {
			if m.Terminal(s) {
				reachesTerminal[s] = true
			}
		}
		for changed := true; changed; {
			changed = false
			for _, s := range m.States() {
				if reachesTerminal[s] {
					continue
				}
				for _, next := range m.transitions[s] {
					if reachesTerminal[next] {
						reachesTerminal[s] = true
						changed = true
						break
					}
				}
			}
		}
		for s := range reachable {
			require.True(t, reachesTerminal[s], "%s: state %q cannot reach a terminal state", m.DocType(), s)
		}
	}
}

func TestTituloChainIsLinear(t *testing.T) {
	m := Titulos()
	chain := []string{
		TituloRecibido,
		TituloPendienteAprobacionUA,
		TituloAprobadoUA,
		TituloPendienteAprobacionR,
		TituloAprobadoR,
		TituloPendienteFirmaSG,
		TituloFirmadoSG,
		TituloEmitido,
	}
	for i := 0; i < len(chain)-1; i++ {
		require.True(t, m.CanTransition(chain[i], chain[i+1]), "%q -> %q", chain[i], chain[i+1])
	}
	// Any state before Firmado por SG may be rejected; afterwards not.
	for _, s := range chain[:6] {
		require.True(t, m.CanTransition(s, TituloRechazado), "%q -> Rechazado", s)
	}
	require.False(t, m.CanTransition(TituloFirmadoSG, TituloRechazado))
	require.False(t, m.CanTransition(TituloEmitido, TituloRechazado))
	require.True(t, m.Terminal(TituloRechazado))
	require.True(t, m.Terminal(TituloEmitido))
}

func TestTituloEstadoCodigo(t *testing.T) {
	require.Equal(t, 99, TituloEstadoCodigo[TituloRechazado])
	require.Equal(t, 5, TituloEstadoCodigo[TituloPendienteFirmaSG])
	require.Equal(t, 6, TituloEstadoCodigo[TituloFirmadoSG])
}
