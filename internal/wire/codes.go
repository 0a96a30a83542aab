package wire

// Code identifies the kind of a message.
type Code uint16

const (
	CodeKeepalive           Code = 0x0001
	CodeRequestCompleted    Code = 0x0002
	CodeGetCapabilities     Code = 0x0003
	CodeConfigure           Code = 0x0010
	CodeListReports         Code = 0x0011
	CodeGetReportDefinition Code = 0x0012
	CodeExecuteReport       Code = 0x0013
	CodeListResults         Code = 0x0014
	CodeRenderResult        Code = 0x0015
	CodeDeleteResult        Code = 0x0016
	CodeNotify              Code = 0x0020
	CodeFileData            Code = 0x0030
	CodeAbortFileTransfer   Code = 0x0031
)

var codeNames = map[Code]string{
	CodeKeepalive:           "KEEPALIVE",
	CodeRequestCompleted:    "REQUEST_COMPLETED",
	CodeGetCapabilities:     "GET_CAPABILITIES",
	CodeConfigure:           "CONFIGURE",
	CodeListReports:         "LIST_REPORTS",
	CodeGetReportDefinition: "GET_REPORT_DEFINITION",
	CodeExecuteReport:       "EXECUTE_REPORT",
	CodeListResults:         "LIST_RESULTS",
	CodeRenderResult:        "RENDER_RESULT",
	CodeDeleteResult:        "DELETE_RESULT",
	CodeNotify:              "NOTIFY",
	CodeFileData:            "FILE_DATA",
	CodeAbortFileTransfer:   "ABORT_FILE_TRANSFER",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// ResultCode is carried in TagResultCode of every REQUEST_COMPLETED reply.
type ResultCode int32

const (
	RCSuccess         ResultCode = 0
	RCInvalidArgument ResultCode = 1
	RCNotImplemented  ResultCode = 2
	RCIOError         ResultCode = 3
	RCInternalError   ResultCode = 4
	RCNotFound        ResultCode = 5
)

// Tag identifies a field within a message.
type Tag uint32

const (
	TagResultCode       Tag = 1
	TagReportID         Tag = 2
	TagJobID            Tag = 3
	TagUserID           Tag = 4
	TagLocale           Tag = 5
	TagRenderFormat     Tag = 6
	TagJobConfiguration Tag = 7
	TagName             Tag = 8
	TagNumItems         Tag = 9
	TagNotificationKind Tag = 10
	TagNotificationData Tag = 11
	TagProtocolVersion  Tag = 12
	TagMaxFrameSize     Tag = 13
	TagChunkSize        Tag = 14
	TagErrorText        Tag = 15

	// Repeated structures start at these bases. Entry i of a list occupies
	// base + i*stride .. base + i*stride + stride-1.
	TagListBase      Tag = 0x10000000
	TagParameterBase Tag = 0x20000000
	TagResultBase    Tag = 0x30000000
	TagPropertyBase  Tag = 0x40000000
)

// Strides of the repeated structures.
const (
	ParameterStride = 10
	ResultStride    = 5
	PropertyStride  = 2
)

// Field offsets within one parameter entry.
const (
	ParamName = iota
	ParamType
	ParamClass
	ParamDescription
	ParamDefault
	ParamIndex
	ParamSpan
	ParamDependsOn
	ParamPrompt
)

// Field offsets within one result entry.
const (
	ResultJobID = iota
	ResultReportID
	ResultExecutionTime
	ResultUserID
	ResultSuccess
)

// ProtocolVersion is announced during capability negotiation.
const ProtocolVersion = 1
