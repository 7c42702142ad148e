package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgossip/internal/sim"
	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF"))

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FFFF")).
			Padding(0, 1)

	deadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true)
)

func main() {
	p := sim.DefaultParams()
	flag.IntVar(&p.Nodes, "n", p.Nodes, "number of nodes")
	flag.IntVar(&p.Ticks, "ticks", p.Ticks, "ticks to simulate")
	flag.IntVar(&p.Stagger, "stagger", p.Stagger, "ticks between node starts")
	flag.Float64Var(&p.DropRate, "drop", p.DropRate, "message drop probability")
	flag.IntVar(&p.Crash, "crash", p.Crash, "nodes to crash")
	flag.IntVar(&p.CrashAt, "crash-at", p.CrashAt, "tick at which to crash them")
	flag.Uint64Var(&p.Seed, "seed", p.Seed, "random seed")
	flag.Int64Var(&p.Protocol.TFail, "tfail", p.Protocol.TFail, "ticks without a heartbeat before a peer is suspected")
	flag.Int64Var(&p.Protocol.TRemove, "tremove", p.Protocol.TRemove, "further ticks before a suspected peer is removed")
	flag.IntVar(&p.Protocol.Fanout, "fanout", p.Protocol.Fanout, "peers gossiped to per tick")
	flag.BoolVar(&p.Protocol.EagerJoin, "eager", p.Protocol.EagerJoin, "introducer adds joiners on reply")
	verbose := flag.Bool("v", false, "log protocol events")
	flag.Parse()

	if *verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer logger.Sync()
		p.Logger = logger
	}

	res, err := sim.Run(p)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(2)
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("%d nodes, %d ticks, drop %.2f, seed %d", p.Nodes, p.Ticks, p.DropRate, p.Seed)))
	fmt.Println(boxStyle.Render(renderViews(res.Views)))
	fmt.Println(boxStyle.Render(renderStats(res)))

	if res.ConvergedAt < 0 {
		fmt.Println(errorStyle.Render("live views did not converge"))
		os.Exit(1)
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("converged at tick %d", res.ConvergedAt)))
}

func renderViews(views []sim.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-12s %s\n", "NODE", "STATE", "MEMBERS")
	for _, v := range views {
		addrs := v.Addrs()
		ids := make([]string, 0, len(addrs))
		for _, a := range addrs {
			ids = append(ids, a.IP().String())
		}
		line := fmt.Sprintf("%-16s %-12s %d [%s]", v.Addr.HostPort(), v.State, len(addrs), strings.Join(ids, " "))
		if v.Crashed {
			line = deadStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderStats(res sim.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "messages sent %d, dropped %d, send errors %d\n", res.Sent, res.Dropped, res.SendErrors)
	for _, k := range []gossip.EventKind{
		gossip.EventNodeAdded,
		gossip.EventNodeRemoved,
		gossip.EventJoinRequested,
		gossip.EventJoinAccepted,
		gossip.EventJoinFailed,
		gossip.EventGossipSent,
		gossip.EventMessageDropped,
	} {
		fmt.Fprintf(&b, "%-16s %d\n", k, res.Events[k])
	}
	return strings.TrimRight(b.String(), "\n")
}
