// Command trustmeshnode is the urfave/cli entrypoint for the deployment:
// genkeys provisions a root and its participants out of band (the
// teacher's cmd/bdlsnode "genkeys" subcommand, generalised from a flat
// quorum of consensus keys into root+edge+node identities each carrying an
// issued certificate), and root/edge/node each bring up one
// internal/node.Node over a real TCP socket. inspect prints a participant
// table with tablewriter without starting anything.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/fogmesh/trustmesh/internal/euiaddr"
	"github.com/fogmesh/trustmesh/internal/node"
	"github.com/fogmesh/trustmesh/pkg/cert"
	"github.com/fogmesh/trustmesh/pkg/choose"
	trustcrypto "github.com/fogmesh/trustmesh/pkg/crypto"
	"github.com/fogmesh/trustmesh/pkg/registry"
	"github.com/fogmesh/trustmesh/pkg/transport"
	"github.com/fogmesh/trustmesh/pkg/trust"
)

func main() {
	app := &cli.App{
		Name:                 "trustmeshnode",
		Usage:                "run or provision a participant in a trust-mesh deployment",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			genkeysCommand,
			rootCommand,
			edgeCommand,
			nodeCommand,
			inspectCommand,
		},
		Action: func(c *cli.Context) error {
			cli.ShowAppHelp(c)
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var genkeysCommand = &cli.Command{
	Name:  "genkeys",
	Usage: "generate a root key and N participant identities, each with a root-issued certificate",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "edges", Value: 2, Usage: "number of edge participants to generate"},
		&cli.IntFlag{Name: "clients", Value: 2, Usage: "number of client participants to generate"},
		&cli.StringFlag{Name: "capabilities", Value: "inference,aggregate", Usage: "comma-separated capability names assigned to every edge"},
		&cli.StringFlag{Name: "output", Value: "./keybook.json", Usage: "output keybook file"},
	},
	Action: func(c *cli.Context) error {
		codec, err := cert.NewCodec()
		if err != nil {
			return err
		}
		rootPriv, err := trustcrypto.GenerateKey()
		if err != nil {
			return err
		}
		rootEUI, err := randomEUI64()
		if err != nil {
			return err
		}
		rootPrivHex, err := encodeECKey(rootPriv)
		if err != nil {
			return err
		}

		kb := &keybook{
			RootEUI64:      rootEUI.String(),
			RootPrivateKey: rootPrivHex,
			RootPort:       basePort - 1,
			ModelTag:       uint8(trust.VariantBetaReputation),
		}

		caps := strings.Split(c.String("capabilities"), ",")
		notBefore := uint32(0)
		notAfter := uint32(1 << 31)

		nEdges, nClients := c.Int("edges"), c.Int("clients")
		total := nEdges + nClients
		for i := 0; i < total; i++ {
			priv, err := trustcrypto.GenerateKey()
			if err != nil {
				return err
			}
			eui, err := randomEUI64()
			if err != nil {
				return err
			}
			deviceClass := cert.DeviceClass(i%int(cert.MaxDeviceClass) + 1)
			pointKey, err := trustcrypto.PointFromPublicKey(&priv.PublicKey)
			if err != nil {
				return err
			}
			tbs := cert.TBS{
				Serial:     uint32(i + 1),
				Issuer:     rootEUI,
				NotBefore:  notBefore,
				NotAfter:   notAfter,
				Subject:    eui,
				Tags:       [1]cert.DeviceClass{deviceClass},
				SubjectKey: pointKey,
			}
			tbsBytes, err := codec.EncodeTBS(tbs)
			if err != nil {
				return err
			}
			sig, err := trustcrypto.Sign(rootPriv, tbsBytes)
			if err != nil {
				return err
			}
			encodedCert, err := codec.Encode(cert.Certificate{TBS: tbs, Signature: sig})
			if err != nil {
				return err
			}
			privHex, err := encodeECKey(priv)
			if err != nil {
				return err
			}

			rec := participantRecord{
				EUI64:       eui.String(),
				DeviceClass: uint8(deviceClass),
				PrivateKey:  privHex,
				Certificate: hex.EncodeToString(encodedCert),
				Port:        uint16(basePort + i),
			}
			if i < nEdges {
				rec.Role = "edge"
				rec.Capabilities = caps
			} else {
				rec.Role = "node"
			}
			kb.Participants = append(kb.Participants, rec)
		}

		if err := kb.save(c.String("output")); err != nil {
			return err
		}
		log.Printf("wrote %s: root + %d edges + %d clients", c.String("output"), nEdges, nClients)
		return nil
	},
}

var commonRunFlags = []cli.Flag{
	&cli.StringFlag{Name: "keybook", Value: "./keybook.json", Usage: "keybook file produced by genkeys"},
	&cli.StringFlag{Name: "id", Usage: "this participant's EUI-64 (hex); required for edge/node"},
}

var rootCommand = &cli.Command{
	Name:  "root",
	Usage: "run the root authority: serves GET /key and GET /stereotype",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "keybook", Value: "./keybook.json", Usage: "keybook file produced by genkeys"},
	},
	Action: func(c *cli.Context) error {
		kb, err := loadKeybook(c.String("keybook"))
		if err != nil {
			return err
		}
		codec, err := cert.NewCodec()
		if err != nil {
			return err
		}
		rootEUI, err := kb.rootEUI64()
		if err != nil {
			return err
		}
		rootPriv, err := kb.rootPrivateKey()
		if err != nil {
			return err
		}

		selfAddr := euiaddr.AddrFromEUI64(euiaddr.DefaultGlobalPrefix, rootEUI)
		exchanger, err := listenTCP(selfAddr, kb.RootPort)
		if err != nil {
			return err
		}

		var priors []node.StereotypePrior
		for _, p := range kb.Participants {
			priors = append(priors, node.StereotypePrior{Tags: [1]uint8{p.DeviceClass}, Alpha: 1, Beta: 1})
		}

		n, err := node.New(node.Config{
			Role:             node.RoleRoot,
			OurEUI64:         rootEUI,
			OurPrivateKey:    rootPriv,
			Exchanger:        exchanger,
			Codec:            codec,
			ModelTag:         kb.ModelTag,
			StereotypePriors: priors,
			RootEUI64:        rootEUI,
			RootPublicKey:    &rootPriv.PublicKey,
			RootAddr:         selfAddr,
		})
		if err != nil {
			return err
		}
		n.Start()
		log.Printf("root %s listening on :%d", rootEUI, kb.RootPort)
		select {}
	},
}

var edgeCommand = &cli.Command{Name: "edge", Usage: "run a participant in the edge role", Flags: commonRunFlags, Action: runParticipant(node.RoleEdge)}
var nodeCommand = &cli.Command{Name: "node", Usage: "run a participant in the client role", Flags: commonRunFlags, Action: runParticipant(node.RoleNode)}

func runParticipant(want node.Role) cli.ActionFunc {
	return func(c *cli.Context) error {
		kb, err := loadKeybook(c.String("keybook"))
		if err != nil {
			return err
		}
		codec, err := cert.NewCodec()
		if err != nil {
			return err
		}
		self, ok := kb.participant(c.String("id"))
		if !ok {
			return fmt.Errorf("trustmeshnode: no such participant %q in keybook", c.String("id"))
		}
		role, err := self.role()
		if err != nil {
			return err
		}
		if role != want {
			return fmt.Errorf("trustmeshnode: participant %q is role %q, not %q", self.EUI64, self.Role, want)
		}

		selfEUI, err := self.eui64()
		if err != nil {
			return err
		}
		selfPriv, err := self.privateKey()
		if err != nil {
			return err
		}
		selfCert, err := self.certificate(codec)
		if err != nil {
			return err
		}
		rootEUI, err := kb.rootEUI64()
		if err != nil {
			return err
		}
		rootPriv, err := kb.rootPrivateKey()
		if err != nil {
			return err
		}

		selfAddr := euiaddr.AddrFromEUI64(euiaddr.DefaultGlobalPrefix, selfEUI)
		exchanger, err := listenTCP(selfAddr, self.Port)
		if err != nil {
			return err
		}

		n, err := node.New(node.Config{
			Role:           want,
			OurEUI64:       selfEUI,
			OurPrivateKey:  selfPriv,
			OurEndpoint:    registry.Endpoint{Addr: selfAddr, Port: self.Port, Secure: true},
			OurTags:        [1]cert.DeviceClass{cert.DeviceClass(self.DeviceClass)},
			OurCertificate: selfCert,
			Capabilities:   self.Capabilities,
			RootEUI64:      rootEUI,
			RootPublicKey:  &rootPriv.PublicKey,
			RootAddr:       kb.rootAddr(),
			Exchanger:      exchanger,
			Codec:          codec,
			ModelTag:       kb.ModelTag,
			Trust:          trust.Config{Variant: trust.Variant(kb.ModelTag), ReputationWeight: 0.3},
			Choose:         choose.Banded,
		})
		if err != nil {
			return err
		}

		// In the absence of a live gossip broker across processes (spec's
		// pub/sub transport is out of scope, see pkg/transport), every
		// other participant's identity is seeded directly from the
		// keybook — the same information a real deployment's root would
		// have distributed out of band before gossip ever ran.
		for _, other := range kb.Participants {
			if other.EUI64 == self.EUI64 {
				continue
			}
			otherEUI, err := other.eui64()
			if err != nil {
				continue
			}
			otherCert, err := other.certificate(codec)
			if err != nil {
				continue
			}
			if _, err := n.Keystore.AddVerified(otherCert); err != nil {
				continue
			}
			if other.Role != "edge" {
				continue
			}
			otherAddr := euiaddr.AddrFromEUI64(euiaddr.DefaultGlobalPrefix, otherEUI)
			edge, err := n.Registry.Announce(otherEUI, registry.Endpoint{Addr: otherAddr, Port: other.Port, Secure: true}, [1]uint8{other.DeviceClass})
			if err != nil {
				continue
			}
			for _, capName := range other.Capabilities {
				n.Registry.AddCapability(edge.EUI64, capName)
			}
		}

		n.Start()
		log.Printf("%s %s listening on :%d", want, selfEUI, self.Port)

		if want == node.RoleNode {
			go chooseLoop(n, self.Capabilities, kb)
		}
		select {}
	},
}

// chooseLoop periodically exercises ChooseEdge for every known capability
// and logs the outcome — the client role's only "business logic" in this
// demonstration CLI, standing in for the application code spec §1 treats as
// out of scope.
func chooseLoop(n *node.Node, _ []string, kb *keybook) {
	caps := map[string]struct{}{}
	for _, p := range kb.Participants {
		for _, capName := range p.Capabilities {
			caps[capName] = struct{}{}
		}
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		for capName := range caps {
			edge, ok := n.ChooseEdge(capName)
			if !ok {
				log.Printf("choose %s: no eligible edge", capName)
				continue
			}
			log.Printf("choose %s: selected edge %s", capName, edge.EUI64)
		}
	}
}

var inspectCommand = &cli.Command{
	Name:  "inspect",
	Usage: "print a table of every participant in a keybook",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "keybook", Value: "./keybook.json", Usage: "keybook file produced by genkeys"},
	},
	Action: func(c *cli.Context) error {
		kb, err := loadKeybook(c.String("keybook"))
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"EUI-64", "Role", "Device Class", "Port", "Capabilities"})
		table.Append([]string{kb.RootEUI64, "root", "-", fmt.Sprint(kb.RootPort), "-"})
		for _, p := range kb.Participants {
			table.Append([]string{
				p.EUI64,
				p.Role,
				fmt.Sprint(p.DeviceClass),
				fmt.Sprint(p.Port),
				strings.Join(p.Capabilities, ","),
			})
		}
		table.Render()
		return nil
	},
}

func listenTCP(self netip.Addr, port uint16) (*transport.TCPExchanger, error) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: int(port)})
	if err != nil {
		return nil, err
	}
	return transport.NewTCPExchanger(self, ln)
}

func randomEUI64() (euiaddr.EUI64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return euiaddr.EUI64{}, err
	}
	return euiaddr.EUI64(b), nil
}
