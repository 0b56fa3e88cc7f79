// Package supervisor manages the daemons a rack controller depends on
// (DHCP, DHCPv6, DHCP relay, DNS, NTP, proxy, TFTP) through one lifecycle
// contract, whatever actually runs them.
//
// Three backends implement the Service interface:
//
//   - ExecService runs the daemon as a direct child in its own process group
//   - SystemdService drives a systemd unit over D-Bus
//   - SupervisordService drives a supervisord program over XML-RPC
//
// The Supervisor is the registry on top. It resolves services by name, kind
// and PID, and it keeps a PID index that decides whether a start, stop or
// restart is allowed before the backend is asked:
//
//	sup := supervisor.New(supervisor.WithTimeout(10 * time.Second))
//	svc := supervisor.NewExecService("ntp", supervisor.KindNTP, "/usr/sbin/chronyd", []string{"-d"})
//	if err := sup.RegisterService(svc); err != nil {
//	    log.Fatal(err)
//	}
//
//	err := sup.Start(ctx, "ntp")
//	states := sup.GetStatusMap(ctx) // map[ntp:running]
//
// # Errors
//
// Every failure is an *OpError naming the operation and service. The
// condition is matched with errors.Is against the package sentinels, e.g.
// ErrAlreadyRunning or ErrUnexpectedExit; *ExitError carries the exit code.
//
// # Bulk operations
//
// StartAll, StopAll and the ByType variants visit every service even when
// some fail and return the failures as a *MultiError. Services already in
// the requested state are skipped.
//
// # DHCP
//
// DHCPService is an exec service that also implements Configurable: it
// rewrites its configuration files and starts, restarts or stops dhcpd to
// match. DHCPConfigurator routes a configuration push to the DHCP or DHCPv6
// service registered with a Supervisor.
package supervisor
