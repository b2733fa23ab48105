package config

// Delta fields understood by the patch engine, as "category.field".
const (
	FieldSyslogPort         = "collection.syslogPort"
	FieldNetflowPort        = "collection.netflowPort"
	FieldSflowPort          = "collection.sflowPort"
	FieldSnmpTrapPort       = "collection.snmpTrapPort"
	FieldWindowsPort        = "collection.windowsPort"
	FieldForwardDestination = "forwarding.destination"
	FieldForwardProtocol    = "forwarding.protocol"
)

// KnownFields lists every supported delta field in evaluation order.
var KnownFields = []string{
	FieldSyslogPort,
	FieldNetflowPort,
	FieldSflowPort,
	FieldSnmpTrapPort,
	FieldWindowsPort,
	FieldForwardDestination,
	FieldForwardProtocol,
}

func isKnownField(field string) bool {
	for _, f := range KnownFields {
		if f == field {
			return true
		}
	}
	return false
}
