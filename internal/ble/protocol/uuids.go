package protocol

// EasyTouch GATT UUIDs. Lower case, matching tinygo's UUID.String() output.
const (
	ServiceUUID     = "000000ff-0000-1000-8000-00805f9b34fb" // read-only
	JSONReturnUUID  = "0000ff01-0000-1000-8000-00805f9b34fb" // status / response channel
	JSONCmdUUID     = "0000ee01-0000-1000-8000-00805f9b34fb" // read/write command channel
	PasswordCmdUUID = "0000dd01-0000-1000-8000-00805f9b34fb" // read/write authentication channel
	UnknownUUID     = "00002a05-0000-1000-8000-00805f9b34fb" // Service Changed, unused
)
