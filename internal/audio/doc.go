// Package audio plans fixed-duration chunks over a recording and serves
// byte ranges of 16-bit PCM audio as standalone WAV files for transcription.
package audio
