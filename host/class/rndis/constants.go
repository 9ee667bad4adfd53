package rndis

// RNDIS message types.
const (
	MsgPacket          = 0x00000001
	MsgInitialize      = 0x00000002
	MsgHalt            = 0x00000003
	MsgQuery           = 0x00000004
	MsgSet             = 0x00000005
	MsgReset           = 0x00000006
	MsgIndicateStatus  = 0x00000007
	MsgKeepalive       = 0x00000008
	MsgInitializeCmplt = 0x80000002
	MsgQueryCmplt      = 0x80000004
	MsgSetCmplt        = 0x80000005
	MsgResetCmplt      = 0x80000006
	MsgKeepaliveCmplt  = 0x80000008

	// msgCompletion is set in the type of every completion message.
	msgCompletion = 0x80000000
)

// RNDIS status codes.
const (
	StatusSuccess         = 0x00000000
	StatusFailure         = 0xC0000001
	StatusInvalidData     = 0xC0010015
	StatusNotSupported    = 0xC00000BB
	StatusMediaConnect    = 0x4001000B
	StatusMediaDisconnect = 0x4001000C
)

// Protocol version sent in INITIALIZE.
const (
	MajorVersion = 1
	MinorVersion = 0
)

// Object identifiers.
const (
	OIDGenSupportedList        = 0x00010101
	OIDGenHardwareStatus       = 0x00010102
	OIDGenMediaSupported       = 0x00010103
	OIDGenMediaInUse           = 0x00010104
	OIDGenMaximumFrameSize     = 0x00010106
	OIDGenLinkSpeed            = 0x00010107
	OIDGenCurrentPacketFilter  = 0x0001010E
	OIDGenMaximumTotalSize     = 0x00010111
	OIDGenMediaConnectStatus   = 0x00010114
	OIDGenPhysicalMedium       = 0x00010202
	OID8023PermanentAddress    = 0x01010101
	OID8023CurrentAddress      = 0x01010102
	OID8023MulticastList       = 0x01010103
	OID8023MaximumListSize     = 0x01010104
	OIDGenVendorDriverVersion  = 0x00010116
	OIDGenRNDISConfigParameter = 0x0001021B
)

// Packet filter bits for OIDGenCurrentPacketFilter.
const (
	FilterDirected     = 0x00000001
	FilterMulticast    = 0x00000002
	FilterAllMulticast = 0x00000004
	FilterBroadcast    = 0x00000008
	FilterPromiscuous  = 0x00000020

	DefaultPacketFilter = FilterDirected | FilterMulticast | FilterAllMulticast | FilterBroadcast
)

// Values of OIDGenMediaConnectStatus.
const (
	MediaStateConnected    = 0
	MediaStateDisconnected = 1
)

// Medium802_3 is the only medium this package drives.
const Medium802_3 = 0

// Message sizes.
const (
	HeaderSize              = 8
	InitializeMsgSize       = 24
	InitializeCmpltSize     = 52
	QueryMsgSize            = 28
	QueryCmpltSize          = 24
	SetCmpltSize            = 16
	KeepaliveMsgSize        = 12
	KeepaliveCmpltSize      = 16
	HaltMsgSize             = 12
	IndicateStatusSize      = 20
	PacketHeaderSize        = 44
	MACAddressSize          = 6
	EthernetMaxFrameSize    = 1514
	DefaultMaxTransferSize  = 0x4000
	DefaultResponseBufSize  = 0x1000
	maxSupportedListEntries = 256
)
