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

/*
Package clock contains a wrapper around CLOCK_ADJTIME syscall and the
system clock used by the NTP daemon.

Supported methods include
  - stepping the clock forwards or backwards through Step
  - slewing a small offset away through SlewOffset, which lets the kernel
    apply the correction gradually
  - reading and adjusting frequency in PPB through FrequencyPPB and AdjFreqPPB
  - returning maximum frequency adjustment possible for the clock
  - updating clock's status after synchronization.

System combines them into the clock the synchronization core reads and
corrects. Positive offsets and frequencies always mean the local clock is
ahead, so corrections are applied with the opposite sign.
*/
package clock
