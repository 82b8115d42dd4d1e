package catalog

// Default returns the built-in catalog of decoy types.
func Default() *Catalog {
	c, err := New(builtin)
	if err != nil {
		panic(err)
	}
	return c
}

var builtin = []TypeDescriptor{
	{
		ID:                    "cowrie",
		Name:                  "Cowrie SSH Honeypot",
		Description:           "Medium-interaction SSH honeypot designed to log brute force attacks and shell interaction.",
		DefaultPort:           2222,
		SupportedPorts:        []int{22, 2222},
		Features:              []string{"ssh", "session_recording", "fake_filesystem"},
		Category:              "Remote Access",
		ConfigurableFields:    []string{"username", "password", "banner", "fake_commands", "session_timeout", "hostname"},
		DefaultMaxConnections: 50,
	},
	{
		ID:                    "ftp_honeypot",
		Name:                  "Pure-FTPd Honeypot",
		Description:           "Dedicated FTP honeypot with comprehensive file operation logging and fake directory structures.",
		DefaultPort:           21,
		SupportedPorts:        []int{21, 2121, 9021},
		Features:              []string{"ftp", "anonymous_login", "file_operations", "directory_listing", "upload_capture"},
		Category:              "File Transfer",
		ConfigurableFields:    []string{"anonymous_login", "ftp_banner", "max_connections", "fake_files", "upload_dir", "session_timeout"},
		DefaultMaxConnections: 10,
	},
	{
		ID:                    "telnet_switch",
		Name:                  "Telnet Network Switch Honeypot",
		Description:           "Simulates a Cisco/Juniper network switch or router with Telnet management interface.",
		DefaultPort:           23,
		SupportedPorts:        []int{23, 2323, 992},
		Features:              []string{"telnet", "command_simulation", "device_emulation", "privilege_escalation"},
		Category:              "Network Device",
		ConfigurableFields:    []string{"device_type", "hostname", "enable_password", "motd", "interface_config", "session_timeout"},
		DefaultMaxConnections: 20,
	},
	{
		ID:                    "mysql_honeypot",
		Name:                  "MySQL Database Honeypot",
		Description:           "MySQL database honeypot to catch database attacks, SQL injection attempts, and credential harvesting.",
		DefaultPort:           3306,
		SupportedPorts:        []int{3306, 3307, 33060},
		Features:              []string{"mysql", "sql_logging", "authentication_logging", "query_analysis"},
		Category:              "Database",
		ConfigurableFields:    []string{"mysql_version", "database_names", "table_schemas", "user_accounts", "ssl_enabled", "session_timeout"},
		DefaultMaxConnections: 50,
	},
	{
		ID:                    "phpmyadmin_honeypot",
		Name:                  "phpMyAdmin Honeypot",
		Description:           "Web-based database administration interface honeypot for catching web-based database attacks.",
		DefaultPort:           80,
		SupportedPorts:        []int{80, 8080, 443, 8443},
		Features:              []string{"http", "php", "mysql_simulation", "web_attacks", "admin_panel"},
		Category:              "Web Application",
		ConfigurableFields:    []string{"phpmyadmin_version", "login_page", "fake_databases", "error_messages", "theme", "session_timeout"},
		DefaultMaxConnections: 100,
		LogFormat:             FormatJSONL,
	},
	{
		ID:                 "dionaea",
		Name:               "Dionaea Multi-Protocol Honeypot",
		Description:        "Low-interaction honeypot that captures malware and supports FTP, HTTP, SMB protocols.",
		DefaultPort:        21,
		SupportedPorts:     []int{21, 80, 443, 135, 445},
		Features:           []string{"ftp", "http", "smb", "anonymous_login", "malware_capture"},
		Category:           "Multi-Service",
		ConfigurableFields: []string{"protocols", "malware_dir", "download_limits", "blacklists"},
	},
	{
		ID:                 "glastopf",
		Name:               "Glastopf Web Application Honeypot",
		Description:        "Web application honeypot that simulates common web vulnerabilities and CMS platforms.",
		DefaultPort:        80,
		SupportedPorts:     []int{80, 443, 8080, 8443},
		Features:           []string{"web", "sql_injection", "xss", "file_inclusion", "cms_simulation"},
		Category:           "Web Application",
		ConfigurableFields: []string{"web_root", "cms_type", "vulnerability_modules", "response_pages"},
		LogFormat:          FormatJSONL,
	},
	{
		ID:                 "rdp_honeypot",
		Name:               "RDP Honeypot",
		Description:        "Remote Desktop Protocol honeypot for Windows-based attacks and credential harvesting.",
		DefaultPort:        3389,
		SupportedPorts:     []int{3389, 3390, 33890},
		Features:           []string{"rdp", "authentication_logging", "session_capture", "screenshot_capture"},
		Category:           "Remote Access",
		ConfigurableFields: []string{"computer_name", "domain_name", "rdp_banner", "fake_users", "certificate"},
	},
	{
		ID:                 "smtp_honeypot",
		Name:               "SMTP Mail Server Honeypot",
		Description:        "Email server honeypot to catch spam, phishing attempts, and mail-based attacks.",
		DefaultPort:        25,
		SupportedPorts:     []int{25, 587, 465, 2525},
		Features:           []string{"smtp", "email_logging", "attachment_analysis", "relay_testing"},
		Category:           "Email",
		ConfigurableFields: []string{"server_name", "smtp_banner", "relay_allowed", "max_message_size", "auth_required"},
	},
	{
		ID:                 "conpot",
		Name:               "Conpot ICS/SCADA Honeypot",
		Description:        "Industrial Control Systems honeypot for critical infrastructure and SCADA networks.",
		DefaultPort:        502,
		SupportedPorts:     []int{102, 502, 161, 47808},
		Features:           []string{"modbus", "snmp", "s7comm", "bacnet", "industrial_protocols"},
		Category:           "Industrial",
		ConfigurableFields: []string{"device_vendor", "plc_model", "registers", "ladder_logic", "alarm_conditions"},
	},
}
