/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package phc

import (
	"fmt"
	"net"

	pclunix "github.com/ptpdisc/ts2phc/phc/unix"
)

// PTPClockTime as defined in linux/ptp_clock.h
type PTPClockTime = pclunix.PtpClockTime

// PTPSysOffsetExtended as defined in linux/ptp_clock.h
type PTPSysOffsetExtended = pclunix.PtpSysOffsetExtended

// PTPSysOffsetPrecise as defined in linux/ptp_clock.h
type PTPSysOffsetPrecise = pclunix.PtpSysOffsetPrecise

// PTPClockCaps as defined in linux/ptp_clock.h
type PTPClockCaps = pclunix.PtpClockCaps

// PTPPeroutRequest as defined in linux/ptp_clock.h
type PTPPeroutRequest = pclunix.PtpPeroutRequest

// PTPExtTTSRequest as defined in linux/ptp_clock.h
type PTPExtTTSRequest = pclunix.PtpExttsRequest

// PTPExtTTS as defined in linux/ptp_clock.h
type PTPExtTTS = pclunix.PtpExttsEvent

// EthtoolTSinfo holds a device's timestamping and PHC association
// as per Linux kernel's include/uapi/linux/ethtool.h
type EthtoolTSinfo = pclunix.EthtoolTsInfo

// Bits of the ptp_extts_request.flags field:
const (
	PTPEnableFeature uint32 = pclunix.PTP_ENABLE_FEATURE
	PTPRisingEdge    uint32 = pclunix.PTP_RISING_EDGE
	PTPFallingEdge   uint32 = pclunix.PTP_FALLING_EDGE
)

func maxAdj(caps *PTPClockCaps) float64 {
	if caps == nil || caps.Max_adj == 0 {
		return DefaultMaxClockFreqPPB
	}
	return float64(caps.Max_adj)
}

// PinDesc represents the C struct ptp_pin_desc as defined in linux/ptp_clock.h
type PinDesc struct {
	Name  string  // Hardware specific human readable pin name
	Index uint    // Pin index in the range of zero to ptp_clock_caps.n_pins - 1
	Func  PinFunc // Which of the PTP_PF_xxx functions to use on this pin
	Chan  uint    // The specific channel to use for this function.
	// private fields
	dev *Device
}

// SetFunc uses an ioctl to change the pin function
func (pd *PinDesc) SetFunc(pf PinFunc) error {
	if err := pd.dev.setPinFunc(pd.Index, pf, pd.Chan); err != nil {
		return err
	}
	pd.Func = pf
	return nil
}

// IfaceInfo uses SIOCETHTOOL ioctl to get information for the given nic, i.e. eth0.
func IfaceInfo(iface string) (*EthtoolTSinfo, error) {
	fd, err := pclunix.Socket(pclunix.AF_INET, pclunix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket for ioctl: %w", err)
	}
	defer pclunix.Close(fd)
	return pclunix.IoctlGetEthtoolTsInfo(fd, iface)
}

// IfaceData has both net.Interface and EthtoolTSinfo
type IfaceData struct {
	Iface  net.Interface
	TSInfo EthtoolTSinfo
}

// IfacesInfo is like net.Interfaces() but with added EthtoolTSinfo
func IfacesInfo() ([]IfaceData, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	res := []IfaceData{}
	for _, iface := range ifaces {
		data, err := IfaceInfo(iface.Name)
		if err != nil {
			return nil, err
		}
		res = append(res,
			IfaceData{
				Iface:  iface,
				TSInfo: *data,
			})
	}
	return res, nil
}
