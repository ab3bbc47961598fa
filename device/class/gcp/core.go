package gcp

import (
	"encoding/binary"
)

// BoardInformation identifies the board to host tools.
type BoardInformation struct {
	BoardID       uint32
	VersionString string
	PartID        [8]byte
	SerialNumber  [16]byte
}

// Core class verbs.
const (
	VerbReadBoardID         uint32 = 0x0
	VerbReadVersionString   uint32 = 0x1
	VerbReadPartID          uint32 = 0x2
	VerbReadSerialNumber    uint32 = 0x3
	VerbGetAvailableClasses uint32 = 0x4
	VerbGetAvailableVerbs   uint32 = 0x5
	VerbGetVerbName         uint32 = 0x6
	VerbGetClassName        uint32 = 0x7
)

// CoreClass returns the class every board implements: board identity and
// introspection of the classes registered in classes.
func CoreClass(info BoardInformation, classes *Classes) Class {
	return Class{
		ID:   ClassCore,
		Name: "core",
		Verbs: []Verb{
			{
				Number: VerbReadBoardID, Name: "read_board_id", OutSignature: "<I",
				Handler: func(_, response []byte) (int, error) {
					return putUint32s(response, info.BoardID)
				},
			},
			{
				Number: VerbReadVersionString, Name: "read_version_string", OutSignature: "<S",
				Handler: func(_, response []byte) (int, error) {
					return putBytes(response, []byte(info.VersionString))
				},
			},
			{
				Number: VerbReadPartID, Name: "read_part_id", OutSignature: "<8s",
				Handler: func(_, response []byte) (int, error) {
					return putBytes(response, info.PartID[:])
				},
			},
			{
				Number: VerbReadSerialNumber, Name: "read_serial_number", OutSignature: "<16s",
				Handler: func(_, response []byte) (int, error) {
					return putBytes(response, info.SerialNumber[:])
				},
			},
			{
				Number: VerbGetAvailableClasses, Name: "get_available_classes", OutSignature: "<*(I)",
				Handler: func(_, response []byte) (int, error) {
					ids := classes.IDs()
					values := make([]uint32, len(ids))
					for i, id := range ids {
						values[i] = uint32(id)
					}
					return putUint32s(response, values...)
				},
			},
			{
				Number: VerbGetAvailableVerbs, Name: "get_available_verbs", InSignature: "<I", OutSignature: "<*(I)",
				Handler: func(args, response []byte) (int, error) {
					cls, err := argClass(classes, args)
					if err != nil {
						return 0, err
					}
					values := make([]uint32, len(cls.Verbs))
					for i := range cls.Verbs {
						values[i] = cls.Verbs[i].Number
					}
					return putUint32s(response, values...)
				},
			},
			{
				Number: VerbGetVerbName, Name: "get_verb_name", InSignature: "<II", OutSignature: "<S",
				Handler: func(args, response []byte) (int, error) {
					cls, err := argClass(classes, args)
					if err != nil {
						return 0, err
					}
					if len(args) < 8 {
						return 0, ErrInvalidArgument
					}
					v, ok := cls.Verb(binary.LittleEndian.Uint32(args[4:8]))
					if !ok {
						return 0, ErrInvalidArgument
					}
					return putBytes(response, []byte(v.Name))
				},
			},
			{
				Number: VerbGetClassName, Name: "get_class_name", InSignature: "<I", OutSignature: "<S",
				Handler: func(args, response []byte) (int, error) {
					cls, err := argClass(classes, args)
					if err != nil {
						return 0, err
					}
					return putBytes(response, []byte(cls.Name))
				},
			},
		},
	}
}

// Selftest class verbs.
const (
	VerbEcho uint32 = 0x0
	VerbFail uint32 = 0x1
)

// SelftestClass returns a class for exercising the command path: echo
// returns its arguments, fail returns the error code given as argument.
func SelftestClass() Class {
	return Class{
		ID:   ClassSelftest,
		Name: "selftest",
		Verbs: []Verb{
			{
				Number: VerbEcho, Name: "echo", InSignature: "<*X", OutSignature: "<*X",
				Handler: func(args, response []byte) (int, error) {
					return putBytes(response, args)
				},
			},
			{
				Number: VerbFail, Name: "fail", InSignature: "<I",
				Handler: func(args, _ []byte) (int, error) {
					if len(args) < 4 {
						return 0, ErrInvalidArgument
					}
					return 0, Error(binary.LittleEndian.Uint32(args))
				},
			},
		},
	}
}

// argClass resolves the class named by the first argument word.
func argClass(classes *Classes, args []byte) (*Class, error) {
	if len(args) < 4 {
		return nil, ErrInvalidArgument
	}
	cls, ok := classes.Class(ClassID(binary.LittleEndian.Uint32(args)))
	if !ok {
		return nil, ErrInvalidArgument
	}
	return cls, nil
}

func putUint32s(response []byte, values ...uint32) (int, error) {
	if len(response) < 4*len(values) {
		return 0, ErrNoBufferSpace
	}
	for i, v := range values {
		binary.LittleEndian.PutUint32(response[4*i:], v)
	}
	return 4 * len(values), nil
}

func putBytes(response, data []byte) (int, error) {
	if len(response) < len(data) {
		return 0, ErrNoBufferSpace
	}
	return copy(response, data), nil
}
