package setup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/prometheus/procfs"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/waydroid-atv/internal/hostexec"
)

// NetworkConfig names the host networking Waydroid creates for its container.
type NetworkConfig struct {
	Bridge    string
	Subnet    string
	DNSHelper string
	ProcMount string
}

// DefaultNetwork mirrors the defaults of waydroid-net.sh.
var DefaultNetwork = NetworkConfig{
	Bridge:    "waydroid0",
	Subnet:    "192.168.240.0/24",
	DNSHelper: "dnsmasq",
	ProcMount: procfs.DefaultMountPoint,
}

// Indirections for tests.
var (
	killProcess = func(pid int) error {
		return unix.Kill(pid, unix.SIGTERM)
	}
	openHostHandle = func() (*netlink.Handle, func(), error) {
		ns, err := netns.Get()
		if err != nil {
			return nil, nil, fmt.Errorf("get current netns: %w", err)
		}
		handle, err := netlink.NewHandleAt(ns)
		if err != nil {
			_ = ns.Close()
			return nil, nil, fmt.Errorf("netlink handle: %w", err)
		}
		return handle, func() {
			handle.Close()
			_ = ns.Close()
		}, nil
	}
	removeNftMasquerade = deleteNftMasquerade
)

// TeardownNetwork removes everything Waydroid added to the host network. Every step
// runs even when an earlier one fails; the failures are joined into the result and
// callers treat them as best-effort.
func TeardownNetwork(ctx context.Context, cfg NetworkConfig, runner hostexec.Runner) error {
	logger := getLogger()

	_, subnet, err := net.ParseCIDR(cfg.Subnet)
	if err != nil {
		return fmt.Errorf("parse subnet %q: %w", cfg.Subnet, err)
	}

	var errs []error

	killed, err := KillDNSHelpers(cfg)
	if err != nil {
		errs = append(errs, fmt.Errorf("stop %s helpers: %w", cfg.DNSHelper, err))
	} else if killed > 0 {
		logger.Info("stopped dns helpers", "count", killed, "helper", cfg.DNSHelper)
	}

	if err := RemoveBridge(cfg.Bridge); err != nil {
		errs = append(errs, err)
	}

	if err := RemoveMasquerade(ctx, subnet, runner); err != nil {
		errs = append(errs, err)
	}

	if err := RemoveRoute(subnet); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// KillDNSHelpers terminates DNS helper processes serving the Waydroid bridge or subnet.
func KillDNSHelpers(cfg NetworkConfig) (int, error) {
	mount := cfg.ProcMount
	if mount == "" {
		mount = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mount)
	if err != nil {
		return 0, fmt.Errorf("open procfs: %w", err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}

	killed := 0
	for _, proc := range procs {
		comm, err := proc.Comm()
		if err != nil {
			continue
		}
		cmdline, err := proc.CmdLine()
		if err != nil {
			continue
		}
		if !isRuntimeDNSHelper(comm, cmdline, cfg) {
			continue
		}
		if err := killProcess(proc.PID); err != nil && !errors.Is(err, syscall.ESRCH) {
			return killed, fmt.Errorf("kill %d: %w", proc.PID, err)
		}
		killed++
	}
	return killed, nil
}

func isRuntimeDNSHelper(comm string, cmdline []string, cfg NetworkConfig) bool {
	if strings.TrimSpace(comm) != cfg.DNSHelper {
		return false
	}
	prefix := subnetPrefix(cfg.Subnet)
	for _, arg := range cmdline {
		if cfg.Bridge != "" && strings.Contains(arg, cfg.Bridge) {
			return true
		}
		if prefix != "" && strings.Contains(arg, prefix) {
			return true
		}
	}
	return false
}

// subnetPrefix turns 192.168.240.0/24 into "192.168.240." for argument matching.
func subnetPrefix(cidr string) string {
	addr, _, ok := strings.Cut(cidr, "/")
	if !ok {
		return ""
	}
	idx := strings.LastIndex(addr, ".")
	if idx < 0 {
		return ""
	}
	return addr[:idx+1]
}

// RemoveBridge deletes the bridge link. A missing link is not an error.
func RemoveBridge(name string) error {
	handle, closeHandle, err := openHostHandle()
	if err != nil {
		return err
	}
	defer closeHandle()

	link, err := handle.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return nil
		}
		return fmt.Errorf("lookup %s: %w", name, err)
	}
	if err := handle.LinkDel(link); err != nil && !isLinkNotFound(err) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	getLogger().Info("removed bridge", "bridge", name)
	return nil
}

// RemoveRoute deletes every IPv4 route whose destination is subnet.
func RemoveRoute(subnet *net.IPNet) error {
	handle, closeHandle, err := openHostHandle()
	if err != nil {
		return err
	}
	defer closeHandle()

	routes, err := handle.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{Dst: subnet}, netlink.RT_FILTER_DST)
	if err != nil {
		return fmt.Errorf("list routes for %s: %w", subnet, err)
	}
	for i := range routes {
		if err := handle.RouteDel(&routes[i]); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("delete route %s: %w", subnet, err)
		}
	}
	if len(routes) > 0 {
		getLogger().Info("removed route", "subnet", subnet.String(), "count", len(routes))
	}
	return nil
}

// RemoveMasquerade drops the NAT masquerade rule for subnet. The nftables ruleset is
// edited directly; when that is not possible the legacy iptables CLI is tried.
func RemoveMasquerade(ctx context.Context, subnet *net.IPNet, runner hostexec.Runner) error {
	removed, nftErr := removeNftMasquerade(subnet)
	if nftErr == nil {
		if removed > 0 {
			getLogger().Info("removed masquerade rule", "subnet", subnet.String(), "count", removed)
		}
		return nil
	}
	getLogger().Debug("nftables unavailable, trying iptables", "error", nftErr)

	if runner == nil || !hostexec.Available(runner, "iptables") {
		return fmt.Errorf("remove masquerade for %s: %w", subnet, nftErr)
	}
	cidr := subnet.String()
	ok, err := hostexec.Succeeds(ctx, runner, hostexec.Cmd("iptables",
		"-t", "nat", "-D", "POSTROUTING", "-s", cidr, "!", "-d", cidr, "-j", "MASQUERADE"))
	if err != nil {
		return fmt.Errorf("iptables delete masquerade: %w", err)
	}
	if ok {
		getLogger().Info("removed masquerade rule", "subnet", cidr, "backend", "iptables")
	}
	return nil
}

func deleteNftMasquerade(subnet *net.IPNet) (int, error) {
	conn, err := nftables.New()
	if err != nil {
		return 0, fmt.Errorf("nftables connection: %w", err)
	}

	chains, err := conn.ListChainsOfTableFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return 0, fmt.Errorf("list chains: %w", err)
	}

	removed := 0
	for _, chain := range chains {
		if chain.Table == nil || chain.Table.Name != "nat" || !strings.EqualFold(chain.Name, "POSTROUTING") {
			continue
		}
		rules, err := conn.GetRules(chain.Table, chain)
		if err != nil {
			return removed, fmt.Errorf("list rules of %s: %w", chain.Name, err)
		}
		for _, rule := range rules {
			if !isMasqueradeFor(rule.Exprs, subnet) {
				continue
			}
			if err := conn.DelRule(rule); err != nil {
				return removed, fmt.Errorf("delete rule %d: %w", rule.Handle, err)
			}
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := conn.Flush(); err != nil {
		return 0, fmt.Errorf("flush nftables: %w", err)
	}
	return removed, nil
}

// ipv4SourceOffset is the offset of the source address in the IPv4 header.
const ipv4SourceOffset = 12

// isMasqueradeFor reports whether a rule masquerades traffic sourced from subnet. Both
// native nft rules and rules written through iptables-nft are recognised.
func isMasqueradeFor(exprs []expr.Any, subnet *net.IPNet) bool {
	want := subnet.IP.To4()
	if want == nil {
		return false
	}

	var (
		lastOffset  uint32
		havePayload bool
		sourceMatch bool
		masquerade  bool
	)
	for _, e := range exprs {
		switch v := e.(type) {
		case *expr.Payload:
			havePayload = v.Base == expr.PayloadBaseNetworkHeader
			lastOffset = v.Offset
		case *expr.Cmp:
			if havePayload && lastOffset == ipv4SourceOffset && v.Op == expr.CmpOpEq && bytes.Equal(v.Data, want) {
				sourceMatch = true
			}
		case *expr.Masq:
			masquerade = true
		case *expr.Target:
			if v.Name == "MASQUERADE" {
				masquerade = true
			}
		}
	}
	return sourceMatch && masquerade
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENODEV) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}
