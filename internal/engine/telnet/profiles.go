package telnet

import (
	"fmt"
	"strings"
)

// profile is the static personality of one emulated device family.
type profile struct {
	banner       string
	userPrompt   string
	enablePrompt string
	configPrompt string
	version      string
	invalid      string
}

const defaultDevice = "cisco_switch"

var profiles = map[string]profile{
	"cisco_switch": {
		banner:       "Cisco IOS Software, Catalyst 2960 Software (C2960-LANBASEK9-M)",
		userPrompt:   "%s>",
		enablePrompt: "%s#",
		configPrompt: "%s(config)#",
		version: `Cisco IOS Software, C2960 Software (C2960-LANBASEK9-M), Version 15.0(2)SE, RELEASE SOFTWARE (fc1)
Technical Support: http://www.cisco.com/techsupport
Copyright (c) 1986-2012 by Cisco Systems, Inc.
Compiled Sat 28-Jul-12 00:29 by prod_rel_team

{hostname} uptime is 43 weeks, 2 days, 7 hours, 12 minutes
System image file is "flash:c2960-lanbasek9-mz.150-2.SE.bin"`,
		invalid: "% Invalid input detected at '^' marker.",
	},
	"cisco_router": {
		banner:       "Cisco IOS Software, ISR 2800 Software (C2800NM-ADVENTERPRISEK9-M)",
		userPrompt:   "%s>",
		enablePrompt: "%s#",
		configPrompt: "%s(config)#",
		version: `Cisco IOS Software, 2800 Software (C2800NM-ADVENTERPRISEK9-M), Version 15.1(4)M8, RELEASE SOFTWARE (fc2)
Technical Support: http://www.cisco.com/techsupport
Copyright (c) 1986-2014 by Cisco Systems, Inc.
Compiled Wed 26-Feb-14 07:21 by prod_rel_team

{hostname} uptime is 112 days, 4 hours, 51 minutes`,
		invalid: "% Invalid input detected at '^' marker.",
	},
	"juniper_switch": {
		banner:       "JUNOS Software Release [12.3R3.4] (Build date: 2013-06-24)",
		userPrompt:   "%s>",
		enablePrompt: "%s#",
		configPrompt: "[edit]\n%s#",
		version: `Hostname: {hostname}
Model: ex4200-24t
JUNOS Software Release [12.3R3.4] (Build date: 2013-06-24 04:57:27 UTC)`,
		invalid: "syntax error, expecting <command>.",
	},
	"hp_switch": {
		banner:       "HP ProCurve Switch 2848",
		userPrompt:   "%s>",
		enablePrompt: "%s#",
		configPrompt: "%s(config)#",
		version: `Image stamp:    /ws/swbuildm/rel_davos_qaoff/code/build/harp(swbuildm_rel_davos_qaoff_rel_davos)
                Sep  7 2009 - 16:58:18
                I.10.77
                1223
Boot Image:     Primary`,
		invalid: "Invalid input: %s",
	},
}

func (p profile) versionFor(host string) string {
	return strings.ReplaceAll(p.version, "{hostname}", host)
}

func (p profile) invalidInput(cmd string) string {
	if strings.Contains(p.invalid, "%s") {
		return fmt.Sprintf(p.invalid, cmd)
	}
	return p.invalid
}

const defaultMOTD = `***************************************************
* Authorized Access Only - All Activity Monitored *
***************************************************`

const ipRoute = `Codes: C - connected, S - static, R - RIP, M - mobile, B - BGP
       D - EIGRP, EX - EIGRP external, O - OSPF, IA - OSPF inter area

Gateway of last resort is 192.168.1.1 to network 0.0.0.0

C    192.168.1.0/24 is directly connected, Vlan1
S*   0.0.0.0/0 [1/0] via 192.168.1.1
`

const runningConfig = `Building configuration...

Current configuration : 1234 bytes
!
version 15.0
service timestamps debug datetime msec
service timestamps log datetime msec
service password-encryption
!
hostname {hostname}
!
enable secret 5 $1$abcd$xxxxxxxxxxxxxxxxxxxxxx
!
interface Vlan1
 ip address 192.168.1.10 255.255.255.0
!
ip default-gateway 192.168.1.1
!
line con 0
line vty 0 4
 password 7 xxxxxxxxxxxxxxx
 login
!
end
`

const helpUser = `Commands available:
  show        Show running system information
  ping        Send echo messages
  traceroute  Trace route to destination
  enable      Turn on privileged commands
  exit        Exit from EXEC mode
`

const helpPrivileged = `Commands available:
  configure   Enter configuration mode
  show        Show running system information
  ping        Send echo messages
  traceroute  Trace route to destination
  enable      Turn on privileged commands
  disable     Turn off privileged commands
  exit        Exit from EXEC mode
`

// iface is one row of "show interfaces".
type iface struct {
	name     string
	line     string
	protocol string
}

var defaultInterfaces = []iface{
	{"GigabitEthernet0/1", "up", "up"},
	{"GigabitEthernet0/2", "up", "up"},
	{"GigabitEthernet0/3", "down", "down"},
	{"FastEthernet0/24", "up", "up"},
}

// parseInterfaces reads "Name: line/protocol" lines, keeping their order.
func parseInterfaces(raw string) []iface {
	var out []iface
	for _, l := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		name, status, ok := strings.Cut(l, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		lineStatus, proto, _ := strings.Cut(strings.TrimSpace(status), "/")
		if lineStatus == "" {
			lineStatus = "down"
		}
		if proto == "" {
			proto = "down"
		}
		out = append(out, iface{name: name, line: lineStatus, protocol: strings.TrimSpace(proto)})
	}
	if len(out) == 0 {
		return append([]iface(nil), defaultInterfaces...)
	}
	return out
}
